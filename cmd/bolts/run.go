package main

import (
	"encoding/json"
	"fmt"
	"os"

	cmdpkg "github.com/geniusrise/geniusrise-text/cmd"
	"github.com/geniusrise/geniusrise-text/internal/core"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

func (a *app) runners(cmd *cobra.Command, cfg core.RunConfig) (cmdpkg.Runners, error) {
	stager, err := cmdpkg.NewStager(cmd.Context(), a.cfg.S3, a.cfg.WorkDir, cfg.Input, cfg.Output)
	if err != nil {
		return cmdpkg.Runners{}, err
	}
	return cmdpkg.NewRunners(a.cfg.Hub, a.cfg.Runtime, stager, a.store), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newFinetuneCmd(a *app) *cobra.Command {
	var flags *runFlags

	c := &cobra.Command{
		Use:   "finetune",
		Short: "Fine-tune a model on <input>/train and optionally push it to the hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.build(cmd)
			if err != nil {
				return err
			}
			if cfg.RunId == "" {
				cfg.RunId = uuid.NewString()
			}

			runners, err := a.runners(cmd, cfg)
			if err != nil {
				return err
			}

			result, err := runners.FineTuner.Run(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("fine-tuning run %s failed: %w", cfg.RunId, err)
			}
			return printJSON(result)
		},
	}

	flags = addRunFlags(c, true)
	return c
}

func newBulkCmd(a *app) *cobra.Command {
	var (
		flags      *runFlags
		noProgress bool
	)

	c := &cobra.Command{
		Use:   "bulk [task]",
		Short: "Run a task over every record of a dataset and write batched results",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.build(cmd)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.Task = core.TaskName(args[0])
			}
			if cfg.RunId == "" {
				cfg.RunId = uuid.NewString()
			}

			runners, err := a.runners(cmd, cfg)
			if err != nil {
				return err
			}

			if !noProgress {
				var bar *progressbar.ProgressBar
				runners.Bulk.OnBatch = func(done, total int) {
					if bar == nil {
						bar = progressbar.NewOptions(total,
							progressbar.OptionSetDescription(fmt.Sprintf("%s batches", cfg.Task)),
							progressbar.OptionSetWidth(30),
							progressbar.OptionSetWriter(os.Stderr),
							progressbar.OptionClearOnFinish(),
						)
					}
					_ = bar.Set(done)
				}
			}

			result, err := runners.Bulk.Run(cmd.Context(), cfg)
			if err != nil {
				if result != nil && len(result.Files) > 0 {
					fmt.Fprintf(os.Stderr, "%d batch files were written before the failure\n", len(result.Files))
				}
				return fmt.Errorf("bulk run %s failed: %w", cfg.RunId, err)
			}
			return printJSON(result)
		},
	}

	flags = addRunFlags(c, false)
	c.Flags().BoolVar(&noProgress, "no-progress", false, "do not show a progress bar")
	return c
}
