package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/quartzdb/quartzdb/internal/catalog"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Inspect the database's persisted schema bundle",
}

var schemaDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the current schema bundle",
	Long: `dump prints the schema bundle currently persisted for the database:
every entity, its fields, every relation, and every constraint.

With --json it prints the full catalog.Bundle as JSON, suitable as input
to 'dbctl migrate plan --to'. Without it, a human-readable summary.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		b := eng.cat.CurrentSchema()
		if jsonOutput {
			data, err := json.MarshalIndent(b, "", "  ")
			if err != nil {
				return fmt.Errorf("dbctl: marshal schema: %w", err)
			}
			fmt.Println(string(data))
			return nil
		}
		printBundle(b)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(schemaCmd)
	schemaCmd.AddCommand(schemaDumpCmd)
}

func printBundle(b *catalog.Bundle) {
	fmt.Printf("schema version %d\n", b.Version)

	names := make([]string, 0, len(b.Entities))
	for name := range b.Entities {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		e := b.Entities[name]
		fmt.Printf("\nentity %s", e.Name)
		if e.IdentityField != "" {
			fmt.Printf(" (identity: %s)", e.IdentityField)
		}
		fmt.Println()
		for _, f := range e.Fields {
			fmt.Printf("  %-20s %s", f.Name, scalarName(f.Scalar))
			if f.Kind == catalog.FieldArray {
				fmt.Print("[]")
			}
			if f.Kind == catalog.FieldOptionalScalar {
				fmt.Print("?")
			}
			if f.Required {
				fmt.Print(" required")
			}
			if f.Indexed {
				fmt.Print(" indexed")
			}
			if f.RangeIndexed {
				fmt.Print(" range-indexed")
			}
			fmt.Println()
		}
	}

	if len(b.Relations) > 0 {
		fmt.Println("\nrelations:")
		relNames := make([]string, 0, len(b.Relations))
		for name := range b.Relations {
			relNames = append(relNames, name)
		}
		sort.Strings(relNames)
		for _, name := range relNames {
			r := b.Relations[name]
			fmt.Printf("  %s: %s.%s -> %s.%s\n", r.Name, r.FromEntity, r.FromField, r.ToEntity, r.ToField)
		}
	}

	if len(b.Constraints) > 0 {
		fmt.Println("\nconstraints:")
		for _, c := range b.Constraints {
			fmt.Printf("  %s on %s\n", c.Name, c.Entity)
		}
	}
}

func scalarName(s catalog.ScalarType) string {
	switch s {
	case catalog.ScalarBool:
		return "bool"
	case catalog.ScalarInt32:
		return "int32"
	case catalog.ScalarInt64:
		return "int64"
	case catalog.ScalarFloat32:
		return "float32"
	case catalog.ScalarFloat64:
		return "float64"
	case catalog.ScalarString:
		return "string"
	case catalog.ScalarBytes:
		return "bytes"
	case catalog.ScalarUUID:
		return "uuid"
	case catalog.ScalarTimestamp:
		return "timestamp"
	default:
		return "unknown"
	}
}
