package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/geniusrise/geniusrise-text/internal/core"
	"github.com/geniusrise/geniusrise-text/internal/database"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newRunsCmd(a *app) *cobra.Command {
	var filter database.RunFilter

	c := &cobra.Command{
		Use:   "runs [run_id]",
		Short: "List recorded runs, or show one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.runs == nil {
				return errors.New("no run database configured, set --db or DATABASE_URL")
			}

			if len(args) == 1 {
				run, err := a.runs.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printRun(run)
			}

			runs, err := a.runs.ListRuns(cmd.Context(), filter)
			if err != nil {
				return err
			}
			printRunTable(runs)
			return nil
		},
	}

	fs := c.Flags()
	fs.StringVar(&filter.Kind, "kind", "", "only runs of this kind: finetune, bulk or local")
	fs.StringVar(&filter.Task, "task", "", "only runs of this task")
	fs.StringVar(&filter.Status, "status", "", "only runs with this status")
	fs.IntVar(&filter.Limit, "limit", 50, "max runs to list")
	fs.IntVar(&filter.Offset, "offset", 0, "runs to skip")
	return c
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func printRunTable(runs []database.Run) {
	var data [][]string
	for _, r := range runs {
		success := "-"
		if r.Success.Valid {
			success = strconv.FormatBool(r.Success.Bool)
		}
		data = append(data, []string{
			r.Id, r.Kind, r.Task, r.Status, r.Stage, success, formatTime(r.CreationTime),
		})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "KIND", "TASK", "STATUS", "STAGE", "SUCCESS", "CREATED"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("\t")
	table.AppendBulk(data)
	table.Render()
}

func printRun(run *database.Run) error {
	metrics, err := run.MetricValues()
	if err != nil {
		return err
	}
	files, err := run.Files()
	if err != nil {
		return err
	}

	out := struct {
		Id          string             `json:"id"`
		Kind        string             `json:"kind"`
		Task        string             `json:"task"`
		Status      string             `json:"status"`
		Stages      []string           `json:"stages"`
		State       *core.RunState     `json:"state,omitempty"`
		Metrics     map[string]float64 `json:"metrics,omitempty"`
		OutputFiles []string           `json:"output_files,omitempty"`
	}{
		Id: run.Id, Kind: run.Kind, Task: run.Task, Status: run.Status,
		State: run.State(), Metrics: metrics, OutputFiles: files,
	}
	for _, s := range run.Stages {
		out.Stages = append(out.Stages, fmt.Sprintf("%s %s", formatTime(s.Timestamp), s.Stage))
	}
	return printJSON(out)
}

func newTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List the supported tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"TASK", "INPUT", "OUTPUT", "MODEL CLASS", "METRICS"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetAutoFormatHeaders(false)
			table.SetHeaderLine(false)
			table.SetBorder(false)
			table.SetNoWhiteSpace(true)
			table.SetTablePadding("\t")
			for _, name := range core.TaskNames() {
				task, err := core.LookupTask(name)
				if err != nil {
					return err
				}
				table.Append([]string{
					string(task.Name), fmt.Sprint(task.InputFields), task.OutputKey, string(task.ModelClass), string(task.Metrics),
				})
			}
			table.Render()
			return nil
		},
	}
}
