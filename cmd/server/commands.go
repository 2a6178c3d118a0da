package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/codebuildervaibhav/media-toolkit/internal/cleanup"
	"github.com/codebuildervaibhav/media-toolkit/internal/storage"
	"github.com/codebuildervaibhav/media-toolkit/internal/upload"
	"github.com/codebuildervaibhav/media-toolkit/internal/workspace"
)

func sweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired workspace files and ledger entries once, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, _, err := setup(*configPath)
			if err != nil {
				return err
			}
			ws, err := workspace.NewManager(cfg.Storage.Root, logger)
			if err != nil {
				return err
			}
			ledger, err := storage.Open(cfg, logger)
			if err != nil {
				return err
			}
			defer ledger.Close()

			// A server may be running jobs this process can't see as active
			s := cleanup.NewScheduler(cleanup.Config{
				FileTTL:     cfg.Cleanup.FileTTL,
				LedgerTTL:   cfg.Cleanup.LedgerTTL,
				SkipRunning: true,
			}, ws, ledger, logger)
			stats, err := s.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "files deleted: %d (%d bytes)\nledger entries pruned: %d\n",
				stats.Files.Deleted, stats.Files.Bytes, stats.Pruned)
			return nil
		},
	}
}

func statusCmd(configPath *string) *cobra.Command {
	var since time.Duration

	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Print one job, or the status of every job updated within --since",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, _, err := setup(*configPath)
			if err != nil {
				return err
			}
			ledger, err := storage.Open(cfg, logger)
			if err != nil {
				return err
			}
			defer ledger.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			if len(args) == 1 {
				job, err := ledger.Get(ctx, args[0])
				if err != nil {
					return fmt.Errorf("failed to get job %s: %w", args[0], err)
				}
				return enc.Encode(job)
			}

			jobs, err := ledger.List(ctx, time.Now().Add(-since))
			if err != nil {
				return fmt.Errorf("failed to list jobs: %w", err)
			}
			if len(jobs) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No jobs updated in the last %s\n", since)
				return nil
			}
			sort.Slice(jobs, func(i, j int) bool { return jobs[i].UpdatedAt.Before(jobs[j].UpdatedAt) })
			for _, j := range jobs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%-10s\t%s\n", j.ID, j.Status, j.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 10*time.Minute, "Window for listing jobs")
	return cmd
}

// driveAuthCmd runs the one-time OAuth consent flow that writes the Drive token file
func driveAuthCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "gdrive-auth",
		Short: "Authorize Google Drive uploads and save the token file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, _, err := setup(*configPath)
			if err != nil {
				return err
			}
			g := cfg.Upload.GDrive
			if g.CredentialsFile == "" || g.TokenFile == "" {
				return fmt.Errorf("upload.gdrive.credentials_file and token_file must be set")
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return upload.AuthorizeDrive(ctx, g.CredentialsFile, g.TokenFile, os.Stdin, cmd.OutOrStdout())
		},
	}
}
