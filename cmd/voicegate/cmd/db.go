package cmd

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/jmcleod/voicegate/storage/postgres"
)

var dbDSN string

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "PostgreSQL schema management",
}

var dbInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the database tables if they do not exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		pool, err := openPool(cmd)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := postgres.EnsureSchema(cmd.Context(), pool); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
		fmt.Println("Schema is up to date")
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop and recreate all tables, destroying all data",
	RunE: func(cmd *cobra.Command, args []string) error {
		pool, err := openPool(cmd)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := postgres.DropSchema(cmd.Context(), pool); err != nil {
			return fmt.Errorf("dropping schema: %w", err)
		}
		if err := postgres.EnsureSchema(cmd.Context(), pool); err != nil {
			return fmt.Errorf("recreating schema: %w", err)
		}
		fmt.Println("Schema reset")
		return nil
	},
}

func openPool(cmd *cobra.Command) (*pgxpool.Pool, error) {
	if dbDSN == "" {
		return nil, errors.New("--dsn is required")
	}
	pool, err := pgxpool.New(cmd.Context(), dbDSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return pool, nil
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbInitCmd, dbResetCmd)
	dbCmd.PersistentFlags().StringVar(&dbDSN, "dsn", "", "PostgreSQL DSN")
}
