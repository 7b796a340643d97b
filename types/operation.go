package types

import (
	"fmt"
	"strings"
)

// VMRef identifies a VM on the control plane.
type VMRef struct {
	Project string `json:"project,omitempty"`
	Zone    string `json:"zone,omitempty"`
	Name    string `json:"name"`
}

// String returns project/zone/name, omitting empty leading parts.
func (v VMRef) String() string {
	switch {
	case v.Project != "" && v.Zone != "":
		return fmt.Sprintf("%s/%s/%s", v.Project, v.Zone, v.Name)
	case v.Zone != "":
		return fmt.Sprintf("%s/%s", v.Zone, v.Name)
	default:
		return v.Name
	}
}

// Credential is a domain account used to join a VM.
// Password is held in memory only and zeroed by the join engine after use.
type Credential struct {
	Username string
	Password []byte
}

// JoinParams describes one domain-join request.
type JoinParams struct {
	VM              VMRef
	DomainName      string
	NewComputerName string // optional
	Credential      Credential
}

// ParseVMRef parses "name", "zone/name" or "project/zone/name".
func ParseVMRef(s string) (VMRef, error) {
	parts := strings.Split(s, "/")
	for _, p := range parts {
		if p == "" {
			return VMRef{}, fmt.Errorf("invalid VM reference %q", s)
		}
	}
	switch len(parts) {
	case 1:
		return VMRef{Name: parts[0]}, nil
	case 2: //nolint:mnd
		return VMRef{Zone: parts[0], Name: parts[1]}, nil
	case 3: //nolint:mnd
		return VMRef{Project: parts[0], Zone: parts[1], Name: parts[2]}, nil
	}
	return VMRef{}, fmt.Errorf("invalid VM reference %q: expected [[project/]zone/]name", s)
}
