package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/memvault/memvault/internal/auth"
	"github.com/memvault/memvault/internal/engine"
	"github.com/memvault/memvault/internal/policy"
	"github.com/memvault/memvault/internal/schema"
	"github.com/memvault/memvault/pkg/config"
	"github.com/memvault/memvault/pkg/database"
	"github.com/memvault/memvault/pkg/logger"
)

var serviceVersion = "1.0.0"

var (
	dbName string
	dbHost string
	dbPort int
)

func newEngine(ctx context.Context) (*engine.Engine, error) {
	cfg := config.New()
	cfg.Update(map[string]string{
		"database.name": dbName,
		"database.host": dbHost,
		"database.port": strconv.Itoa(dbPort),
	})
	cfg.LoadEnv(map[string]string{
		"database.name":     "MEMVAULT_DATABASE_NAME",
		"database.user":     "MEMVAULT_DATABASE_USER",
		"redis.host":            "MEMVAULT_REDIS_HOST",
		"auth.token_secret":     "MEMVAULT_TOKEN_SECRET",
		"auth.service_key_hash": "MEMVAULT_SERVICE_KEY_HASH",
		"auth.service_id":       "MEMVAULT_SERVICE_ID",
	})

	log := logger.New("memvault", serviceVersion)
	e := engine.NewEngine(cfg, log)
	if err := e.Initialize(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

var rootCmd = &cobra.Command{
	Use:   "memvault",
	Short: "Access-control and schema-evolution layer for conversational memory",
	Long: "memvault manages the schema, row-access policies and identity mappings of a " +
		"multi-tenant conversational-memory store.",
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		applied, err := e.Registry().Apply(ctx, schema.Catalog())
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Println("Schema is up to date")
			return nil
		}
		fmt.Printf("Applied %d migration(s)\n", len(applied))
		return nil
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback [key]",
	Short: "Roll back the most recently applied migration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid migration key %q: %w", args[0], err)
		}

		ctx := cmd.Context()
		e, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.Registry().Rollback(ctx, schema.Catalog(), key); err != nil {
			return err
		}
		fmt.Printf("Rolled back migration %d\n", key)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the applied-migrations ledger and store health",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		entries, err := e.Registry().Status(ctx)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No migrations applied")
		}
		for _, entry := range entries {
			fmt.Printf("%4d  %-45s %s  %s\n",
				entry.Key, entry.Description, entry.Checksum[:12], entry.AppliedAt.Format("2006-01-02 15:04:05"))
		}

		fmt.Printf("Store health: %s\n", e.CheckHealth(ctx))
		return nil
	},
}

var initCmd = &cobra.Command{
	Use:   "init [password]",
	Short: "Store the database password in the system keyring",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := database.SetDatabasePassword(args[0]); err != nil {
			return err
		}
		fmt.Println("Database credentials stored")
		return nil
	},
}

var sessionTTL time.Duration

var sessionCmd = &cobra.Command{
	Use:   "session [external-id]",
	Short: "Resolve an external subject and issue a principal token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		token, err := e.IssueSession(ctx, args[0], sessionTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

var serviceSessionCmd = &cobra.Command{
	Use:   "service-session [access-key]",
	Short: "Verify a service access key and issue a service principal token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		token, err := e.IssueServiceToken(args[0], sessionTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [access-key]",
	Short: "Hash a service access key for MEMVAULT_SERVICE_KEY_HASH",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashAccessKey(args[0])
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage access policies",
}

var policySupersedeCmd = &cobra.Command{
	Use:   "supersede [table] [operation] [principal-kind] [predicate]",
	Short: "Atomically replace the policy covering a scope",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		out, err := e.SupersedePolicy(ctx, policy.AccessPolicy{
			Table:         args[0],
			Operation:     policy.Operation(args[1]),
			PrincipalKind: policy.PrincipalKind(args[2]),
			Predicate:     policy.Predicate(args[3]),
		})
		if err != nil {
			return err
		}
		fmt.Printf("Policy %s now covers %s %s/%s\n", out.ID, out.Table, out.PrincipalKind, out.Operation)
		return nil
	},
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered access policies",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		policies, err := e.Policies().List(ctx)
		if err != nil {
			return err
		}
		for _, p := range policies {
			fmt.Printf("%-24s %-8s %-10s %s\n", p.Table, p.Operation, p.PrincipalKind, p.Predicate)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbName, "database", "", "database name (defaults to MEMVAULT_DATABASE_NAME)")
	rootCmd.PersistentFlags().StringVar(&dbHost, "host", "localhost", "database host")
	rootCmd.PersistentFlags().IntVar(&dbPort, "port", 5432, "database port")

	sessionCmd.Flags().DurationVar(&sessionTTL, "ttl", time.Hour, "token lifetime")
	serviceSessionCmd.Flags().DurationVar(&sessionTTL, "ttl", time.Hour, "token lifetime")

	policyCmd.AddCommand(policySupersedeCmd)
	policyCmd.AddCommand(policyListCmd)

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(serviceSessionCmd)
	rootCmd.AddCommand(hashKeyCmd)
	rootCmd.AddCommand(policyCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
