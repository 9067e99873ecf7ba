package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/screening/screening/internal/config"
	"github.com/screening/screening/internal/domain/pathway"
	"github.com/screening/screening/internal/domain/permission"
	"github.com/screening/screening/internal/platform/db"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "screening-server",
		Short:        "Clinical screening API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(classifyCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the screening API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
				count, err := m.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	addMigrateFlags(upCmd)
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				statuses, err := m.Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), schema, statuses)
				return nil
			})
		},
	}
	addMigrateFlags(statusCmd)
	cmd.AddCommand(statusCmd)

	return cmd
}

func addMigrateFlags(cmd *cobra.Command) {
	cmd.Flags().String("schema", "", "Target schema for migrations (default DB_SCHEMA)")
	cmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
}

func withMigrator(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator, schema string) error) error {
	cfg, err := config.Load(true)
	if err != nil {
		return err
	}
	schema, _ := cmd.Flags().GetString("schema")
	if schema == "" {
		schema = cfg.DBSchema
	}
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.MigrationsDir
	}
	if !db.ValidSchema(schema) {
		return fmt.Errorf("invalid schema name %q", schema)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, "screening-migrate", cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, dir), schema)
}

func printMigrationStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		if s.Drifted {
			status = "drifted"
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the role capability policy",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective capability table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(false)
			if err != nil {
				return err
			}
			table, err := cfg.LoadPermissionTable()
			if err != nil {
				return err
			}
			role, _ := cmd.Flags().GetString("role")
			return printPolicy(cmd.OutOrStdout(), permission.NewEngine(table), role)
		},
	}
	showCmd.Flags().String("role", "", "Only print this role")
	cmd.AddCommand(showCmd)

	return cmd
}

// printPolicy writes one line per role listing its capabilities in sorted
// order. An empty role prints every role.
func printPolicy(w io.Writer, engine *permission.Engine, role string) error {
	roles := engine.Roles()
	if role != "" {
		r, ok := permission.ParseRole(role)
		if !ok {
			return fmt.Errorf("unknown role %q", role)
		}
		roles = []permission.Role{r}
	}
	for _, r := range roles {
		caps := engine.CapabilitiesFor(r).Sorted()
		names := make([]string, len(caps))
		for i, c := range caps {
			names[i] = string(c)
		}
		if len(names) == 0 {
			names = []string{"-"}
		}
		fmt.Fprintf(w, "%-24s %s\n", r, strings.Join(names, ", "))
	}
	return nil
}

func classifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <pathway> <json>",
		Short: "Validate and classify a pathway payload without storing it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClassify(cmd.OutOrStdout(), pathway.NewRegistry(), args[0], []byte(args[1]))
		},
	}
}

// runClassify evaluates raw as a payload of the named pathway and prints the
// result as indented JSON.
func runClassify(w io.Writer, registry *pathway.Registry, name string, raw []byte) error {
	p, ok := pathway.Parse(name)
	if !ok {
		return fmt.Errorf("unknown pathway %q", name)
	}
	res, err := registry.Evaluate(p, raw)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(struct {
		pathway.Result
		Label string `json:"label"`
	}{res, res.Category.Label()}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(out))
	return nil
}

// newLogger builds the process logger. Development gets a console writer.
func newLogger(level string, dev bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Str("service", "screening-server").Logger()
	if dev {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return logger
}
