/*
main.go - productview entry point

COMMANDS:
  serve                 ops HTTP server + periodic reconcile/verify
  active                print the active product ids
  config create|update|delete|get|list
  reconcile             run one Reconcile pass
  verify                run the consistency checker (exit 1 on drift)
  runs                  recent Reconcile passes

CONFIGURATION:
  --config path, or ./productview.yaml, then PRODUCTVIEW_* environment.
  See config/config.go for keys.

EXAMPLES:
  # Development: SQLite file, in-memory mirror, local cache
  productview serve

  # Production-like
  PRODUCTVIEW_REDIS_ADDR=localhost:6379 productview serve

  productview config create --product P1 --from 2026-01-01T00:00:00Z --to 2026-12-31T23:59:59Z
  productview config list --active --product P1
  productview active

SEE ALSO:
  - app.go: dependency wiring
  - serve.go: server lifecycle
*/
package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/warp/productview/config"
)

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "productview",
	Short:         "Active-product resolution over a durable store and its mirror",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./productview.yaml)")
	rootCmd.AddCommand(serveCmd, activeCmd, configCmd, reconcileCmd, verifyCmd, runsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
