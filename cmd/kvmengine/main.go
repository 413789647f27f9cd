// Command kvmengine runs the tenant engine as a standalone daemon:
// parse a tenant manifest, bring up Program Instances per §4.7's
// chosen init mode, and serve requests through the gateway in front of
// the Request Dispatcher.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "kvmengine",
		Short: "Multi-tenant compute engine daemon",
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to JSON config file")
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
