package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/projecteru2/oobjoin/config"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "oobjoin",
		Short:         "oobjoin - join Windows VMs to an AD domain over metadata and serial console",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return initConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("endpoint", "", "control-plane API endpoint (http(s):// or unix://)")
	cmd.PersistentFlags().String("token", "", "control-plane bearer token")
	cmd.PersistentFlags().String("run-dir", "", "runtime directory for locks and snapshots")
	cmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	_ = viper.BindPFlag("endpoint", cmd.PersistentFlags().Lookup("endpoint"))
	_ = viper.BindPFlag("token", cmd.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("run_dir", cmd.PersistentFlags().Lookup("run-dir"))
	_ = viper.BindPFlag("log.level", cmd.PersistentFlags().Lookup("log-level"))

	for key, value := range config.DefaultConfig().Settings() {
		viper.SetDefault(key, value)
	}
	viper.SetEnvPrefix("OOBJOIN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	cmd.AddCommand(
		joinCmd,
		clearCmd,
		inspectCmd,
		versionCmd,
	)

	return cmd
}()

func initConfig() error {
	conf = config.DefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	conf.Normalize()

	return log.SetupLog(context.Background(), &conf.Log, "")
}

// Execute is the main entry point called from main.go.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
