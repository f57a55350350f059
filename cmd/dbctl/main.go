package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/quartzdb/quartzdb/internal/catalog"
	"github.com/quartzdb/quartzdb/internal/idgen"
	"github.com/quartzdb/quartzdb/internal/migration"
	"github.com/quartzdb/quartzdb/internal/stats"
	"github.com/quartzdb/quartzdb/internal/storage/index"
	"github.com/quartzdb/quartzdb/internal/storage/kv"
	"github.com/quartzdb/quartzdb/internal/storage/rowstore"
)

var (
	dbPath     string
	jsonOutput bool
)

// engine bundles the handles every dbctl subcommand needs against a
// single open kv.Handle: the loaded catalog, id generator, row store,
// migration executor (built over a hash index), and stats. fatalf closes
// nothing on its own — callers defer
// Close immediately after openEngine succeeds.
type engine struct {
	kv  *kv.Handle
	cat *catalog.Catalog
	ids *idgen.Generator
	rs  *rowstore.Store
	mig *migration.Executor
	st  *stats.Stats
}

func (e *engine) Close() error { return e.kv.Close() }

func openEngine() (*engine, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("dbctl: --db is required")
	}
	h, err := kv.Open(dbPath, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("dbctl: open %s: %w", dbPath, err)
	}

	cat := catalog.New(slog.Default())
	if _, err := cat.Load(h); err != nil {
		h.Close()
		return nil, fmt.Errorf("dbctl: load schema: %w", err)
	}

	ids := idgen.New()
	rs := rowstore.New(h, ids, slog.Default())
	hashIdx, err := index.NewHashIndex(h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("dbctl: open hash index: %w", err)
	}
	mig := migration.NewExecutor(h, rs, hashIdx, ids, slog.Default())
	st := stats.New(rs, h, slog.Default())

	return &engine{kv: h, cat: cat, ids: ids, rs: rs, mig: mig, st: st}, nil
}

// fatalf prints an error to stderr and exits 1. dbctl is a single-shot
// admin tool, not a long-running server, so there is no caller above
// main() that would benefit from an error return instead.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "dbctl: "+format+"\n", args...)
	os.Exit(1)
}

var rootCmd = &cobra.Command{
	Use:   "dbctl",
	Short: "Administrative CLI for a quartzdb database file",
	Long: `dbctl operates directly on a quartzdb database file: inspecting its
schema, planning and applying online schema migrations, and reporting
live statistics. It does not start a server and does not speak the wire
protocol a client library would use.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to the quartzdb database file (required)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit machine-readable JSON instead of text")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
