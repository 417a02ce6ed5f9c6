// Command authgate runs the MCP authorization gateway: an OAuth 2.1 proxy
// and session-aware security gate in front of an MCP server.
package main

import (
	"os"
)

// version is set during build with -ldflags.
var version = "dev"

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
