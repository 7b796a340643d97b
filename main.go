package main

import (
	"fmt"
	"os"

	"github.com/projecteru2/oobjoin/cmd"
)

func main() {
	ctx, stop := cmd.NewCommandContext()
	err := cmd.Execute(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
