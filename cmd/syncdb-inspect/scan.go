package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"syncdb/pkg/btree"
	"syncdb/pkg/commit"
)

var scanCmd = &cobra.Command{
	Use:   "scan <head>",
	Short: "Dump every key/value pair visible at a head's current value root",
	Args:  cobra.ExactArgs(1),
	RunE:  runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	h, err := store.GetHead(args[0])
	if err != nil {
		return fmt.Errorf("head %q: %w", args[0], err)
	}
	c, err := commit.Load(store, h)
	if err != nil {
		return fmt.Errorf("load %s: %w", h, err)
	}

	count := 0
	err = btree.Scan(store, c.ValueHash, "", func(key string, value interface{}) bool {
		fmt.Printf("%s = %v\n", key, value)
		count++
		return true
	})
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	fmt.Printf("(%d keys)\n", count)
	return nil
}
