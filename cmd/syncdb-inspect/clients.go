package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"syncdb/pkg/client"
)

var clientsCmd = &cobra.Command{
	Use:   "clients",
	Short: "List registered clients and client groups",
	RunE:  runClients,
}

func init() {
	rootCmd.AddCommand(clientsCmd)
}

func runClients(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	groups, err := client.ListGroups(store)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}
	for id, g := range groups {
		fmt.Printf("group %-20s head=%s disabled=%v mutationIDs=%v\n", id, g.HeadHash, g.Disabled, g.MutationIDs)
	}

	clients, err := client.ListClients(store)
	if err != nil {
		return fmt.Errorf("list clients: %w", err)
	}
	for id, c := range clients {
		fmt.Printf("client %-20s group=%s heartbeat=%d\n", id, c.ClientGroupID, c.HeartbeatTimestampMs)
	}
	return nil
}
