package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"syncdb/pkg/commit"
	"syncdb/pkg/hash"
)

var logCmd = &cobra.Command{
	Use:   "log <head>",
	Short: "Walk a head's commit chain from newest to oldest",
	Args:  cobra.ExactArgs(1),
	RunE:  runLog,
}

func init() {
	rootCmd.AddCommand(logCmd)
}

func runLog(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	h, err := store.GetHead(args[0])
	if err != nil {
		return fmt.Errorf("head %q: %w", args[0], err)
	}

	for !h.IsEmpty() {
		c, err := commit.Load(store, h)
		if err != nil {
			return fmt.Errorf("load %s: %w", h, err)
		}
		printCommit(h, c)
		h = c.BasisHash
	}
	return nil
}

func printCommit(h hash.Hash, c commit.Commit) {
	switch c.Kind {
	case commit.KindSnapshot:
		fmt.Printf("%s snapshot  value=%s mutationIDs=%v\n", h, c.ValueHash, c.LastMutationIDs)
	case commit.KindLocal:
		fmt.Printf("%s local     mutation=%d client=%s mutator=%s value=%s\n",
			h, c.MutationID, c.ClientID, c.MutatorName, c.ValueHash)
	}
}
