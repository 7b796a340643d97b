package utils

import "github.com/google/uuid"

// UUIDv5 generates a deterministic UUID v5 from the given name using the URL
// namespace. Used to derive file-system safe names from VM references.
func UUIDv5(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}
