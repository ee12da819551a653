package cmd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewCLIRegistersSubcommands(t *testing.T) {
	root := NewCLI()

	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}

	require.True(t, names["serve"])
	require.True(t, names["status"])
	require.True(t, names["service"])
	require.True(t, names["list"])
	require.True(t, names["ps"])
}

func TestServiceCommandHasInstallAndUninstall(t *testing.T) {
	root := NewCLI()

	var found bool
	for _, c := range root.Commands() {
		if c.Name() != "service" {
			continue
		}
		found = true
		sub := make(map[string]bool)
		for _, s := range c.Commands() {
			sub[s.Name()] = true
		}
		require.True(t, sub["install"])
		require.True(t, sub["uninstall"])
		require.True(t, sub["run"])
	}
	require.True(t, found)
}
