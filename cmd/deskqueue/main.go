package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "deskqueue",
		Short: "Ticket queue for service desks",
		Long: `deskqueue hands out tickets per service at a kiosk, dispatches them to
service desks in arrival order and streams every change to clerk stations
and public displays.

Settings are read from the environment; see the serve command.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configureCmd())
	rootCmd.AddCommand(stateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
