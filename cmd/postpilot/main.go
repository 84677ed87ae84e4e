package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/postpilot/postpilot/constants"
	"github.com/postpilot/postpilot/internal/common"
	"github.com/postpilot/postpilot/internal/generator"
	"github.com/postpilot/postpilot/internal/generator/openai"
	"github.com/postpilot/postpilot/internal/ledger"
	"github.com/postpilot/postpilot/internal/orchestrator"
	"github.com/postpilot/postpilot/internal/publisher/linkedin"
	"github.com/postpilot/postpilot/internal/retry"
	"github.com/postpilot/postpilot/internal/store"
)

// Exit codes per the operator contract: 1 means exhausted retries (likely
// to succeed on the next scheduled run), 2 means a permanent failure that
// needs a human fix.
const (
	exitOK        = 0
	exitRetryable = 1
	exitPermanent = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := newLogger()
	slog.SetDefault(logger)

	cfg := common.LoadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	code := exitOK
	root := &cobra.Command{
		Use:           "postpilot",
		Short:         "Drives a topic row through generation, publishing and archival",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newRunCmd(ctx, cfg, logger, &code),
		newStepCmd(ctx, cfg, logger, &code),
		newStatusCmd(ctx, cfg, logger),
		newRegenerateCmd(ctx, cfg, logger),
		newAddCmd(ctx, cfg, logger),
	)

	if err := root.Execute(); err != nil {
		logger.Error("command failed", "error", err)
		if code == exitOK {
			code = exitRetryable
		}
	}
	return code
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// buildStore opens the configured record store backend.
func buildStore(ctx context.Context, cfg *common.Config, logger *slog.Logger) (store.RecordStore, error) {
	switch cfg.Store.Backend {
	case "sql":
		if strings.HasPrefix(cfg.Store.DSN, "postgres") {
			db, pool, err := store.OpenPostgres(ctx, cfg.Store.DSN, cfg.Store.DialTimeout, logger)
			if err != nil {
				return nil, err
			}
			if err := store.HealthCheck(ctx, pool, cfg.Store.DialTimeout, logger); err != nil {
				return nil, err
			}
			s := store.NewSQLStore(db, store.DialectPostgres, logger)
			s.SetIncludeFuture(cfg.Publisher.NativeSchedule)
			return s, s.Migrate(ctx)
		}
		db, err := store.OpenSQLite(cfg.Store.DSN, logger)
		if err != nil {
			return nil, err
		}
		s := store.NewSQLStore(db, store.DialectSQLite, logger)
		s.SetIncludeFuture(cfg.Publisher.NativeSchedule)
		return s, s.Migrate(ctx)
	default:
		s, err := store.OpenXLSX(cfg.Store.WorkbookPath, cfg.Store.ActiveSheet, cfg.Store.ArchiveSheet, logger)
		if err != nil {
			return nil, err
		}
		s.SetIncludeFuture(cfg.Publisher.NativeSchedule)
		return s, nil
	}
}

// buildOrchestrator wires the full pipeline.
func buildOrchestrator(ctx context.Context, cfg *common.Config, logger *slog.Logger) (*orchestrator.Orchestrator, store.RecordStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	st, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	prompts := generator.NewPromptService(cfg.Generator.TemplatePath, logger)
	gen := openai.NewClient(openai.Config{
		APIKey:      cfg.Generator.APIKey,
		Model:       cfg.Generator.Model,
		Temperature: cfg.Generator.Temperature,
		Timeout:     cfg.Generator.Timeout,
		MinWords:    cfg.Generator.MinWords,
	}, prompts, logger)

	pub := linkedin.New(linkedin.Config{
		Email:       cfg.Publisher.Email,
		Password:    cfg.Publisher.Password,
		Headless:    cfg.Publisher.Headless,
		NavTimeout:  cfg.Publisher.NavTimeout,
		FeedTimeout: cfg.Publisher.FeedTimeout,
	}, logger)

	pol := retry.New(cfg.Retry, logger)
	led := ledger.New(st, logger)
	return orchestrator.New(st, led, gen, pub, pol, logger), st, nil
}

func outcomeExit(out orchestrator.Outcome, logger *slog.Logger) int {
	switch out.Kind {
	case orchestrator.OutcomeCompleted:
		logger.Info("run completed", "status", out.Status)
		return exitOK
	case orchestrator.OutcomeBlocked:
		logger.Info("nothing to do", "reason", out.Reason)
		return exitOK
	default:
		logger.Error("run failed",
			"phase", out.Phase, "permanent", out.Permanent,
			"status", out.Status, "error", out.Err)
		if out.Permanent {
			return exitPermanent
		}
		return exitRetryable
	}
}

func newRunCmd(ctx context.Context, cfg *common.Config, logger *slog.Logger, code *int) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Drive the active row until archived, failed, or blocked",
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, st, err := buildOrchestrator(ctx, cfg, logger)
			if err != nil {
				*code = exitPermanent
				return err
			}
			defer func() { _ = st.Close() }()
			*code = outcomeExit(orch.Run(ctx), logger)
			return nil
		},
	}
}

func newStepCmd(ctx context.Context, cfg *common.Config, logger *slog.Logger, code *int) *cobra.Command {
	return &cobra.Command{
		Use:   "step",
		Short: "Advance the active row by exactly one phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, st, err := buildOrchestrator(ctx, cfg, logger)
			if err != nil {
				*code = exitPermanent
				return err
			}
			defer func() { _ = st.Close() }()
			*code = outcomeExit(orch.RunOnce(ctx), logger)
			return nil
		},
	}
}

func newStatusCmd(ctx context.Context, cfg *common.Config, logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the active row as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := buildStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			p, err := st.ReadActiveRow(ctx)
			if err != nil {
				return err
			}
			b, err := json.MarshalIndent(p, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(b))
			return nil
		},
	}
}

func newRegenerateCmd(ctx context.Context, cfg *common.Config, logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "regenerate [row-id]",
		Short: "Discard generated content and queue the row for regeneration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := buildStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			var rowID uuid.UUID
			if len(args) == 1 {
				rowID, err = uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("invalid row id %q: %w", args[0], err)
				}
			} else {
				p, err := st.ReadActiveRow(ctx)
				if err != nil {
					return err
				}
				rowID = p.ID
			}
			led := ledger.New(st, logger)
			if err := led.RequestRegeneration(ctx, rowID); err != nil {
				return err
			}
			logger.Info("row queued for regeneration", "row_id", rowID)
			return nil
		},
	}
}

func newAddCmd(ctx context.Context, cfg *common.Config, logger *slog.Logger) *cobra.Command {
	var scheduled string
	cmd := &cobra.Command{
		Use:   "add <topic>",
		Short: "Append a pending topic row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := common.NewValidator().
				Field("topic", args[0], common.Required, common.MaxLength(300)).
				Error(); err != nil {
				return fmt.Errorf("%v: %w", err, common.ErrInvalidInput)
			}
			st, err := buildStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			appender, ok := st.(store.TopicAppender)
			if !ok {
				return fmt.Errorf("store backend %s cannot append topics: %w", cfg.Store.Backend, common.ErrInvalidInput)
			}
			var schedAt *time.Time
			if scheduled != "" {
				t, err := time.ParseInLocation("2006-01-02", scheduled, time.Local)
				if err != nil {
					return fmt.Errorf("invalid --scheduled date, use YYYY-MM-DD: %w", err)
				}
				schedAt = &t
			}
			id, err := appender.InsertTopic(ctx, args[0], schedAt)
			if err != nil {
				return err
			}
			logger.Info("topic added", "row_id", id, "status", constants.StatusPending)
			return nil
		},
	}
	cmd.Flags().StringVar(&scheduled, "scheduled", "", "earliest publish date (YYYY-MM-DD)")
	return cmd
}
