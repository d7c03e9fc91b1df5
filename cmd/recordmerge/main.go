package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/OCA/recordmerge"
)

var (
	dbURL      string
	mysqlURL   string
	sqlitePath string
	planFile   string
	entity     string
	survivor   int64
	duplicates string
	policy     []string
	mode       string
	keep       bool
	dryRun     bool
	newEntity  string
	tableName  string
	exclude    []string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "recordmerge",
	Short: "Merge duplicate records into a surviving one",
	Long: `recordmerge folds duplicate records of an entity type into a single
survivor: every inbound reference is repointed, conflicting field values
are reconciled, and the duplicates are removed. References are discovered
at run time from the database catalog and the entity registry.

Merges come from a YAML plan file (--plan) or from the single-merge flags
(--entity, --survivor, --duplicates). The whole run happens inside one
transaction.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&dbURL, "db-url", "", "PostgreSQL connection string")
	rootCmd.Flags().StringVar(&mysqlURL, "mysql-url", "", "MySQL connection string")
	rootCmd.Flags().StringVar(&sqlitePath, "sqlite", "", "SQLite database file path")
	rootCmd.Flags().StringVarP(&planFile, "plan", "p", "", "YAML merge plan file")
	rootCmd.Flags().StringVar(&entity, "entity", "", "Entity type to merge")
	rootCmd.Flags().Int64Var(&survivor, "survivor", 0, "Surviving record id")
	rootCmd.Flags().StringVar(&duplicates, "duplicates", "", "Duplicate record ids (comma-separated)")
	rootCmd.Flags().StringArrayVar(&policy, "policy", nil, "Field policy override as field=operation (repeatable)")
	rootCmd.Flags().StringVar(&mode, "mode", "orm", "Relink mode: orm (registry-driven) or direct (catalog-driven)")
	rootCmd.Flags().BoolVar(&keep, "keep", false, "Keep the duplicate rows instead of deleting them")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Execute the plan and roll back instead of committing")
	rootCmd.Flags().StringVar(&newEntity, "new-entity", "", "Rewrite the polymorphic type tag to this entity name")
	rootCmd.Flags().StringVar(&tableName, "table", "", "Override the entity's backing table name")
	rootCmd.Flags().StringArrayVar(&exclude, "exclude", nil, "Edge to skip as table.column (repeatable)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log every executed statement")
}

func run(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	// A .env next to the invocation may carry the connection URL.
	_ = godotenv.Load()
	if dbURL == "" && mysqlURL == "" && sqlitePath == "" {
		dbURL = os.Getenv("RECORDMERGE_DB_URL")
	}

	databaseURL, err := resolveDatabaseURL(dbURL, mysqlURL, sqlitePath)
	if err != nil {
		return err
	}
	plan, err := resolvePlan(planFile, entity, survivor, duplicates)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	st, err := recordmerge.Open(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to close connection: %v\n", err)
		}
	}()
	st.SetLogger(logger)

	opts := recordmerge.Options{Logger: logger}
	var result *recordmerge.Result
	if dryRun {
		result, err = recordmerge.DryRunAll(ctx, st, plan, opts)
	} else {
		result, err = recordmerge.MergeAll(ctx, st, plan, opts)
	}
	if err != nil {
		return err
	}

	suffix := ""
	if dryRun {
		suffix = " (dry run, rolled back)"
	}
	fmt.Printf("merged %d, skipped %d%s\n", result.Merged, result.Skipped, suffix)
	return nil
}

// resolveDatabaseURL validates the backend flags and returns the URL for
// recordmerge.Open
func resolveDatabaseURL(dbURL, mysqlURL, sqlitePath string) (string, error) {
	count := 0
	for _, v := range []string{dbURL, mysqlURL, sqlitePath} {
		if v != "" {
			count++
		}
	}
	if count == 0 {
		return "", fmt.Errorf("one of --db-url, --mysql-url, or --sqlite must be specified")
	}
	if count > 1 {
		return "", fmt.Errorf("only one of --db-url, --mysql-url, or --sqlite can be specified")
	}
	switch {
	case mysqlURL != "":
		if !strings.HasPrefix(mysqlURL, "mysql://") {
			mysqlURL = "mysql://" + mysqlURL
		}
		return mysqlURL, nil
	case sqlitePath != "":
		return "sqlite://" + sqlitePath, nil
	default:
		return dbURL, nil
	}
}

// resolvePlan builds the merge plan from --plan or the single-merge flags
func resolvePlan(planFile, entity string, survivor int64, duplicates string) (*recordmerge.Plan, error) {
	if planFile != "" {
		if entity != "" || survivor != 0 || duplicates != "" {
			return nil, fmt.Errorf("cannot combine --plan with single-merge flags")
		}
		return recordmerge.LoadPlan(planFile)
	}
	if entity == "" || survivor == 0 || duplicates == "" {
		return nil, fmt.Errorf("either --plan or all of --entity, --survivor and --duplicates are required")
	}

	req := recordmerge.Request{
		EntityType:     entity,
		SurvivorID:     survivor,
		Mode:           recordmerge.Mode(mode),
		KeepDuplicates: keep,
		NewEntityType:  newEntity,
		TableName:      tableName,
	}
	for _, part := range strings.Split(duplicates, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid duplicate id %q: %w", part, err)
		}
		req.DuplicateIDs = append(req.DuplicateIDs, id)
	}
	if len(policy) > 0 {
		req.FieldPolicy = make(map[string]recordmerge.Operation, len(policy))
		for _, p := range policy {
			field, op, ok := strings.Cut(p, "=")
			if !ok {
				return nil, fmt.Errorf("invalid policy %q, expected field=operation", p)
			}
			req.FieldPolicy[field] = recordmerge.Operation(op)
		}
	}
	for _, ex := range exclude {
		table, column, ok := strings.Cut(ex, ".")
		if !ok {
			return nil, fmt.Errorf("invalid exclusion %q, expected table.column", ex)
		}
		req.ExcludedEdges = append(req.ExcludedEdges, recordmerge.Edge{Table: table, Column: column})
	}

	plan := &recordmerge.Plan{Merges: []recordmerge.Request{req}}
	if err := plan.Merges[0].Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
