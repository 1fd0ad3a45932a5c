package cmd

import (
	"github.com/spf13/cobra"
)

var (
	version   string
	buildTime string
	gitCommit string

	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "mysql-mcp-gatewayd",
	Short: "MCP gateway in front of a MySQL primary and its replicas",
	Long: `mysql-mcp-gatewayd exposes a small set of MCP tools (exec,
batch_exec, batch_insert, pool_status, cache_status) over a pooled,
circuit-broken connection to a MySQL primary and its read replicas,
with RBAC, rate limiting, a tiered cache, and a memory-pressure
controller sitting in front of every query.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion records build-time version info for the version command.
func SetVersion(v, bt, gc string) {
	version = v
	buildTime = bt
	gitCommit = gc
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML configuration bootstrap file (overrides GATEWAY_CONFIG_FILE)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
