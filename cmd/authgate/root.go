package main

import (
	"github.com/spf13/cobra"
)

// rootCmd is the base command for the authgate binary.
var rootCmd = &cobra.Command{
	Use:   "authgate",
	Short: "OAuth authorization gateway for MCP servers",
	Long: `authgate sits in front of an MCP server and brokers authentication:
it validates inbound requests, challenges unauthenticated clients, resolves
issued resource-server tokens to upstream provider credentials, and proxies
the full OAuth authorization-code-with-PKCE exchange so the upstream
provider's endpoints are never exposed directly.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(`{{printf "authgate version %s\n" .Version}}`)
	return rootCmd.Execute()
}
