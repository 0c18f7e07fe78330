package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/geniusrise/geniusrise-text/internal/config"
	"github.com/geniusrise/geniusrise-text/internal/core"
	"github.com/geniusrise/geniusrise-text/internal/database"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type app struct {
	envFile string
	dbURL   string
	workDir string
	verbose bool

	cfg   config.LocalConfig
	runs  *database.RunStore
	store core.StateStore
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if a.verbose {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil {
			return fmt.Errorf("error loading env file '%s': %w", a.envFile, err)
		}
	}

	cfg, err := config.Parse[config.LocalConfig]()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("db") {
		cfg.DatabaseURL = a.dbURL
	}
	if cmd.Flags().Changed("work-dir") {
		cfg.WorkDir = a.workDir
	}
	a.cfg = cfg

	if cfg.DatabaseURL == "" {
		a.store = core.NewMemoryStateStore()
		return nil
	}

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	a.runs = database.NewRunStore(db)
	a.store = a.runs
	return nil
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:               "bolts",
		Short:             "Fine-tune and run bulk inference with text models",
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.envFile, "env", "", "path to load env from")
	pf.StringVar(&a.dbURL, "db", "", "sqlite path or postgres url to record runs in, defaults to DATABASE_URL")
	pf.StringVar(&a.workDir, "work-dir", "", "directory for staged inputs and outputs, defaults to WORK_DIR")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newFinetuneCmd(a), newBulkCmd(a), newRunsCmd(a), newTasksCmd())
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
