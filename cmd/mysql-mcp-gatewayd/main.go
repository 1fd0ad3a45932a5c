// Command mysql-mcp-gatewayd runs the MCP-to-MySQL gateway.
package main

import (
	"fmt"
	"os"

	"github.com/liyq0307/mysql-mcp-gateway/cmd/mysql-mcp-gatewayd/cmd"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	cmd.SetVersion(version, buildTime, gitCommit)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
