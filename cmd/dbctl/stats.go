package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Recount live rows per entity type and print the totals",
	Long: `stats rescans the entity-type index for every entity in the current
schema and prints how many live (non-tombstoned) rows each has. This is
the same recount Stats.Refresh performs on its periodic schedule inside
a running server; dbctl runs it once, standalone, against a closed
database file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		entities := make([]string, 0, len(eng.cat.CurrentSchema().Entities))
		for name := range eng.cat.CurrentSchema().Entities {
			entities = append(entities, name)
		}
		sort.Strings(entities)

		if err := eng.st.Refresh(entities); err != nil {
			return fmt.Errorf("dbctl: refresh stats: %w", err)
		}
		counts := eng.st.Snapshot()

		if jsonOutput {
			data, err := json.MarshalIndent(counts, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		var total int64
		for _, name := range entities {
			n := counts[name]
			total += n
			fmt.Printf("%-24s %s\n", name, humanize.Comma(n))
		}
		fmt.Printf("%-24s %s\n", "total", humanize.Comma(total))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
