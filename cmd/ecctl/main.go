// Command ecctl is the operator CLI: credential hashing, key generation,
// offline analysis of a conversation and trusted-link provisioning.
package main

import (
	"os"

	"emconnect.org/internal/obs"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		obs.Error("ecctl_failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}
