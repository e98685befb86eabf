// unibusctl is the headless companion: credential management and cache
// inspection without starting the TUI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var profileFlag string
	var jsonOut bool

	root := &cobra.Command{
		Use:           "unibusctl",
		Short:         "Manage unibus profiles and inspect the local message cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	root.PersistentFlags().BoolVar(&jsonOut, "json", false, "output in JSON format")

	root.AddCommand(
		newLoginCmd(&profileFlag),
		newLogoutCmd(&profileFlag),
		newStatusCmd(&profileFlag, &jsonOut),
		newConversationsCmd(&profileFlag, &jsonOut),
		newSendCmd(&profileFlag),
		newSearchCmd(&profileFlag, &jsonOut),
	)
	return root
}
