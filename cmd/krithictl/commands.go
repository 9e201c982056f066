package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/krithibase/krithibase-server/internal/extraction"
	"github.com/krithibase/krithibase-server/internal/logger"
	"github.com/krithibase/krithibase-server/internal/service"
	"github.com/krithibase/krithibase-server/internal/store/sqlite"
	"github.com/krithibase/krithibase-server/internal/validation"
	"github.com/krithibase/krithibase-server/internal/variant"
	"github.com/krithibase/krithibase-server/internal/voting"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var delimiter, actor string

	cmd := &cobra.Command{
		Use:   "submit <manifest>",
		Short: "Submit a manifest CSV as a new batch",
		Long:  "Creates a batch for the manifest. A running server's workers pick it up on their next poll.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("resolve path: %w", err)
			}

			return ctx.withStore(func(st *sqlite.Store, log *logger.Logger) error {
				cfg, _ := ctx.ensureConfig()
				svc := service.NewBatchService(st, validation.New(), nil, cfg.Workers.MaxAttempts, log.Component("batch"))

				batch, err := svc.Submit(cmd.Context(), service.SubmitBatchInput{
					ManifestPath: path,
					Delimiter:    delimiter,
					Actor:        actor,
				})
				if err != nil {
					return err
				}
				return writeJSON(cmd, batch)
			})
		},
	}

	cmd.Flags().StringVar(&delimiter, "delimiter", "", "Field delimiter, sniffed when empty")
	cmd.Flags().StringVar(&actor, "actor", "", "Operator recorded in the audit log")
	return cmd
}

func newBatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "batch <id>",
		Short: "Show a batch with its jobs and task counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(st *sqlite.Store, log *logger.Logger) error {
				cfg, _ := ctx.ensureConfig()
				svc := service.NewBatchService(st, validation.New(), nil, cfg.Workers.MaxAttempts, log.Component("batch"))

				detail, err := svc.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd, detail)
			})
		},
	}
}

func newProcessCommand(ctx *commandContext) *cobra.Command {
	var batchSize int

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run one extraction processor pass over DONE items",
		Long: "Ingests DONE extraction results. Krithis created here are added to the title " +
			"index when the server next starts.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(st *sqlite.Store, log *logger.Logger) error {
				v := validation.New()
				processor := extraction.NewProcessor(st, extraction.Options{
					Validator: v,
					Matcher:   variant.NewMatcher(st, nil, nil, log.Component("variant")),
					Voter:     voting.NewService(st, nil, log.Component("voting")),
					Logger:    log.Component("extraction"),
				})

				report, err := processor.ProcessCompleted(cmd.Context(), batchSize)
				if err != nil {
					return err
				}
				if err := writeJSON(cmd, report); err != nil {
					return err
				}
				return report.Err()
			})
		},
	}

	cmd.Flags().IntVar(&batchSize, "batch-size", 25, "Maximum items to process")
	return cmd
}

func newVoteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "vote <krithiId>",
		Short: "Recompute a krithi's structural vote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(st *sqlite.Store, log *logger.Logger) error {
				svc := service.NewCatalogService(st, voting.NewService(st, nil, log.Component("voting")), log.Component("catalog"))

				rec, err := svc.Recompute(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if rec == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "not enough sources to vote")
					return nil
				}
				return writeJSON(cmd, rec)
			})
		},
	}
}
