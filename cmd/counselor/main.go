package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/abdul-hamid-achik/counselor/internal/agent"
	"github.com/abdul-hamid-achik/counselor/internal/api"
	"github.com/abdul-hamid-achik/counselor/internal/billing"
	"github.com/abdul-hamid-achik/counselor/internal/config"
	"github.com/abdul-hamid-achik/counselor/internal/llm"
	"github.com/abdul-hamid-achik/counselor/internal/logging"
	"github.com/abdul-hamid-achik/counselor/internal/store"
)

var Version = "dev"

const shutdownTimeout = 15 * time.Second

var (
	verbose bool

	studentID string
	message   string
	entry     string
	role      string
	trigger   string
	askPrompt string
)

var rootCmd = &cobra.Command{
	Use:           "counselor",
	Short:         "College counseling conversation engine",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	RunE:  runServe,
}

var turnCmd = &cobra.Command{
	Use:   "turn",
	Short: "Run one counselor turn against the configured store",
	Example: `  counselor turn --student s1 --message "I want to study biology"
  counselor turn --student s1 --entry onboarding --message "I'm a junior with a 3.8"`,
	RunE: runTurn,
}

var objectivesCmd = &cobra.Command{
	Use:   "objectives",
	Short: "Regenerate a student's counselor objectives once",
	RunE:  runObjectives,
}

var askCmd = &cobra.Command{
	Use:   "ask",
	Short: "Stream a raw provider reply for a role, without running a turn",
	RunE:  runAsk,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	turnCmd.Flags().StringVar(&studentID, "student", "", "Student ID (required)")
	turnCmd.Flags().StringVarP(&message, "message", "m", "", "Student message (required)")
	turnCmd.Flags().StringVar(&entry, "entry", store.EntryChat, "Entry point: onboarding, dashboard, plan or chat")
	turnCmd.Flags().StringVar(&role, "role", "", "Override the prompt role")
	_ = turnCmd.MarkFlagRequired("student")
	_ = turnCmd.MarkFlagRequired("message")

	objectivesCmd.Flags().StringVar(&studentID, "student", "", "Student ID (required)")
	objectivesCmd.Flags().StringVar(&trigger, "trigger", string(agent.TriggerLogin), "Trigger: login or conversation_end")
	_ = objectivesCmd.MarkFlagRequired("student")

	askCmd.Flags().StringVar(&role, "role", string(config.RoleCounselor), "Role whose route is used")
	askCmd.Flags().StringVarP(&askPrompt, "prompt", "p", "", "Prompt to send (required)")
	_ = askCmd.MarkFlagRequired("prompt")

	rootCmd.AddCommand(serveCmd, turnCmd, objectivesCmd, askCmd, providersCmd)
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: could not read .env: %v\n", err)
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app is everything a command needs, built from the loaded config.
type app struct {
	cfg       *config.Config
	log       *logging.Logger
	store     store.Store
	providers map[config.Vendor]llm.Provider
	engine    *agent.Engine
	closers   []func() error
}

func loadConfig() (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	lc := logging.Config{
		Level:   logging.ParseLevel(cfg.Log.Level),
		Format:  cfg.Log.Format,
		Service: "counselor",
	}
	if verbose {
		lc.Level = logging.LevelDebug
	}
	log, err := logging.Init(lc)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init logging: %w", err)
	}
	return cfg, log, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log}
	a.closers = append(a.closers, log.Close)

	a.providers, err = llm.NewProviders(ctx, cfg, log)
	if err != nil {
		a.close()
		return nil, err
	}

	a.store, err = store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)

	gate, closeGate, err := billing.Open(ctx, cfg.Quota, log)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to open quota gate: %w", err)
	}
	a.closers = append(a.closers, closeGate)

	a.engine, err = agent.NewEngine(cfg, a.store, a.providers, gate, log)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: close failed: %v\n", err)
		}
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	srv := &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      api.NewHandler(a.engine, a.log).Router(),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("server listening", logging.F("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		if err := a.engine.Close(shutdownCtx); err != nil {
			a.log.Warn("objective runs cancelled at shutdown", logging.Error(err))
		}
		return nil
	})
	return g.Wait()
}

func runTurn(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	defer func() { _ = a.engine.Close(ctx) }()

	var tier string
	if p, err := a.store.GetProfile(ctx, studentID); err == nil {
		tier = p.BillingTier
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to read profile: %w", err)
	}

	out, err := a.engine.Controller.RunTurn(ctx, agent.TurnRequest{
		StudentID: studentID,
		Message:   message,
		Entry:     store.EntryContext{EntryPoint: entry, Trigger: "cli", Timestamp: time.Now().UTC()},
		Tier:      tier,
		Role:      config.Role(role),
	})
	if err != nil {
		return err
	}

	fmt.Println(out.Reply)
	if out.Batch != nil && len(out.Batch.Results) > 0 {
		fmt.Println()
		fmt.Printf("Tools: %s\n", out.Batch.Describe())
	}
	var flags []string
	if out.Partial {
		flags = append(flags, "partial")
	}
	if out.Degraded {
		flags = append(flags, "degraded")
	}
	if out.MinimalContext {
		flags = append(flags, "minimal context")
	}
	if len(out.RetryEvents) > 0 {
		flags = append(flags, fmt.Sprintf("%d retries", len(out.RetryEvents)))
	}
	if len(flags) > 0 {
		fmt.Printf("(%s via %s/%s)\n", strings.Join(flags, ", "), out.Vendor, out.Model)
	}
	return nil
}

func runObjectives(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	defer func() { _ = a.engine.Close(ctx) }()

	res, err := a.engine.Objectives.Generate(ctx, studentID, agent.Trigger(trigger))
	if err != nil {
		return err
	}
	if res.Skipped {
		fmt.Printf("No usable objective list (%s); current objectives kept.\n", res.Reason)
		return nil
	}
	fmt.Printf("added %d, kept %d, dropped %d\n\n", res.Added, res.Kept, res.Dropped)
	for _, o := range store.PendingObjectives(res.Objectives) {
		fmt.Printf("  [%s] %s\n", o.ID, o.Text)
	}
	return nil
}

func runAsk(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	defer func() { _ = a.engine.Close(ctx) }()

	stream := a.engine.Router.Stream(ctx, config.Role(role), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: askPrompt}},
	})
	for chunk := range stream {
		switch chunk.Type {
		case "text":
			fmt.Print(chunk.Text)
		case "tool_call":
			if chunk.ToolCall != nil {
				fmt.Printf("\n[tool call] %s %v\n", chunk.ToolCall.Name, chunk.ToolCall.Arguments)
			}
		case "error":
			fmt.Println()
			return chunk.Error
		}
	}
	fmt.Println()
	return nil
}
