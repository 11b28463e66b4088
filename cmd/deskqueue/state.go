package main

import (
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/castaneai/deskqueue/pkg/statestore"
)

func stateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show desks and queue lengths per service",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig()
			if err != nil {
				return err
			}
			be, err := openBackend(cmd.Context(), conf)
			if err != nil {
				return err
			}
			defer be.close()

			snapshot, err := be.store.Load(cmd.Context())
			if err != nil {
				return err
			}
			printState(snapshot)
			return nil
		},
	}
}

func printState(snapshot *statestore.Snapshot) {
	services := map[string]struct{}{}
	for s := range snapshot.Desks {
		services[s] = struct{}{}
	}
	for s := range snapshot.Tickets {
		services[s] = struct{}{}
	}
	if len(services) == 0 {
		fmt.Println("No services configured. Run `deskqueue configure` first.")
		return
	}
	names := make([]string, 0, len(services))
	for s := range services {
		names = append(names, s)
	}
	sort.Strings(names)

	for _, s := range names {
		fmt.Printf("%s  waiting: %d  done: %d\n",
			color.New(color.Bold).Sprint(s),
			snapshot.CountTickets(s, statestore.TicketWaiting),
			snapshot.CountTickets(s, statestore.TicketDone))
		for _, desk := range snapshot.Desks[s] {
			fmt.Printf("  desk %-4s %s%s\n", desk.ID, deskStatusLabel(desk.Status), currentTicketLabel(snapshot, s, desk))
		}
	}
}

func deskStatusLabel(status statestore.DeskStatus) string {
	if status == statestore.DeskOccupied {
		return color.New(color.FgYellow).Sprint("occupied")
	}
	return color.New(color.FgGreen).Sprint("empty   ")
}

func currentTicketLabel(snapshot *statestore.Snapshot, service string, desk *statestore.Desk) string {
	if desk.CurrentTicket == nil {
		return ""
	}
	label := *desk.CurrentTicket
	if ticket, ok := snapshot.Ticket(service, label); ok {
		label = fmt.Sprintf("%s (%s)", label, ticket.Status)
	}
	return color.New(color.FgCyan).Sprintf("  %s", label)
}
