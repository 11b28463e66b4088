package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/castaneai/deskqueue/pkg/statestore"
)

func configureCmd() *cobra.Command {
	var (
		service    string
		desks      int
		layoutFile string
	)

	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Configure services and their desks",
		Long: `Add services with their number of desks to the state store.

Desks are numbered 1..n and start empty. Services that already have desks are
left as they are.

Examples:
  deskqueue configure --service deposit --desks 3
  deskqueue configure --layout desks.yaml

desks.yaml:
  services:
    deposit: 3
    withdraw: 2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			layout := statestore.Layout{}
			switch {
			case layoutFile != "":
				l, err := statestore.ReadLayoutFile(layoutFile)
				if err != nil {
					return err
				}
				layout = l
			case service != "":
				layout[strings.ToLower(strings.TrimSpace(service))] = desks
			default:
				return fmt.Errorf("either --service or --layout is required")
			}

			conf, err := loadConfig()
			if err != nil {
				return err
			}
			be, err := openBackend(cmd.Context(), conf)
			if err != nil {
				return err
			}
			defer be.close()

			added, err := statestore.EnsureDesks(cmd.Context(), be.store, layout)
			if err != nil {
				return err
			}
			isAdded := map[string]bool{}
			for _, s := range added {
				isAdded[s] = true
			}
			services := make([]string, 0, len(layout))
			for s := range layout {
				services = append(services, s)
			}
			sort.Strings(services)
			for _, s := range services {
				if isAdded[s] {
					fmt.Printf("%s %s: %d desks\n", color.New(color.FgGreen).Sprint("CREATE "), s, layout[s])
				} else {
					fmt.Printf("%s %s: already configured\n", color.New(color.FgBlue).Sprint("EXISTS "), s)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&service, "service", "s", "", "Service name")
	cmd.Flags().IntVarP(&desks, "desks", "n", 1, "Number of desks of the service")
	cmd.Flags().StringVarP(&layoutFile, "layout", "f", "", "YAML file listing services and desk counts")

	return cmd
}
