package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/toolgate/toolgate/internal/adapter/outbound/sqlite"
	"github.com/toolgate/toolgate/internal/domain/audit"
)

var auditDBPath string

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect and verify the audit trail",
	Long: `Offline inspection of a toolgate audit database.

These commands open the sqlite file directly, so they work against a
stopped gateway or a copied database.`,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Walk the hash chain and report the first break",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, closeFn, err := openAuditLog(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		result, err := log.Verify(cmd.Context())
		if err != nil {
			return fmt.Errorf("verify audit chain: %w", err)
		}
		if result.Valid {
			fmt.Printf("chain valid: %d entries checked\n", result.Checked)
			return nil
		}
		return fmt.Errorf("chain broken at entry %s (%d entries checked)", result.BrokenAt, result.Checked)
	},
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print whole-log aggregates as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, closeFn, err := openAuditLog(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		stats, err := log.Stats(cmd.Context())
		if err != nil {
			return fmt.Errorf("read audit stats: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

// openAuditLog opens the sqlite store named by --db and resumes the chain.
func openAuditLog(ctx context.Context) (*audit.Log, func(), error) {
	if auditDBPath == "" {
		return nil, nil, fmt.Errorf("--db is required")
	}
	store, err := sqlite.NewStore(auditDBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit database: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("init audit database: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	log, err := audit.Open(ctx, store, true, nil, logger)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return log, func() { _ = store.Close() }, nil
}

func init() {
	auditCmd.PersistentFlags().StringVar(&auditDBPath, "db", "", "path to the audit sqlite database")
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditStatsCmd)
	rootCmd.AddCommand(auditCmd)
}
