package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var headsCmd = &cobra.Command{
	Use:   "heads",
	Short: "List every named head and the root it points to",
	RunE:  runHeads,
}

func init() {
	rootCmd.AddCommand(headsCmd)
}

func runHeads(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	heads, err := store.ListHeads()
	if err != nil {
		return fmt.Errorf("list heads: %w", err)
	}
	if len(heads) == 0 {
		fmt.Println("(no heads)")
		return nil
	}
	for name, h := range heads {
		fmt.Printf("%-20s %s\n", name, h)
	}
	return nil
}
