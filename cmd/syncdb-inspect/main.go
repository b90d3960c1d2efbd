// Command syncdb-inspect opens a syncdb dag store directly off disk and
// reports on its heads, commit chains, and client registry, for debugging a
// database without going through a running sync engine.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"syncdb/pkg/dag"
	"syncdb/pkg/kv"
	"syncdb/pkg/log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "syncdb-inspect",
	Short: "Inspect a syncdb dag store",
	Long: `syncdb-inspect opens a syncdb database's bbolt files directly and
reports on its content-addressed state: heads, commit chains, client
registrations, and key/value dumps.`,
}

func init() {
	rootCmd.PersistentFlags().String("dir", ".", "directory containing the store's bbolt files")
	rootCmd.PersistentFlags().String("name", "syncdb", "store name (file is <dir>/<name>.db)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
}

// openStore opens the dag store a subcommand's --dir/--name flags name.
func openStore(cmd *cobra.Command) (*dag.Store, error) {
	level, _ := cmd.Flags().GetString("log-level")
	log.Init(level, true, os.Stderr)

	dir, _ := cmd.Flags().GetString("dir")
	name, _ := cmd.Flags().GetString("name")
	bolt, err := kv.OpenBolt(dir, name)
	if err != nil {
		return nil, fmt.Errorf("open %s/%s.db: %w", dir, name, err)
	}
	return dag.New(bolt), nil
}
