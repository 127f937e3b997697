package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/expctx/expctx/pkg/models"
)

var (
	runsProject    string
	finishStatus   string
	finishErrorMsg string
)

// runsCmd represents the runs command
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Manage runs",
	Long:  `Commands for listing and inspecting experiment runs on the tracking server.`,
}

// runsListCmd represents the runs list command
var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs",
	Long:  `List runs on the tracking server, optionally filtered by project.`,
	RunE:  runRunsList,
}

// runsGetCmd represents the runs get command
var runsGetCmd = &cobra.Command{
	Use:   "get <run-id>",
	Short: "Get a run",
	Long:  `Retrieve a run's details and config by its ID.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsGet,
}

// runsFinishCmd represents the runs finish command
var runsFinishCmd = &cobra.Command{
	Use:   "finish <run-id>",
	Short: "Finish a run",
	Long:  `Mark a run as terminated. Useful for cleaning up runs left behind by crashed scripts.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsFinish,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsGetCmd)
	runsCmd.AddCommand(runsFinishCmd)

	runsListCmd.Flags().StringVar(&runsProject, "project", "", "filter by project")
	runsFinishCmd.Flags().StringVar(&finishStatus, "status", "crashed", "terminal status (finished, failed, crashed)")
	runsFinishCmd.Flags().StringVar(&finishErrorMsg, "error", "", "error message to record")
}

func runRunsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	runs, err := NewTrackClient().ListRuns(ctx, runsProject)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(runs, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Name", "Project", "Status", "Resumed", "Created")
	for _, run := range runs {
		table.Append(run.ID, run.Name, run.Project, string(run.Status),
			fmt.Sprintf("%t", run.Resumed), run.CreatedAt.Format(time.RFC3339))
	}
	table.Render()
	fmt.Printf("\n%d run(s)\n", len(runs))
	return nil
}

func runRunsGet(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	run, err := NewTrackClient().GetRun(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(run, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("ID", run.ID)
	table.Append("Name", run.Name)
	table.Append("Project", run.Project)
	table.Append("Status", string(run.Status))
	table.Append("Resumed", fmt.Sprintf("%t", run.Resumed))
	if run.JobType != "" {
		table.Append("Job Type", run.JobType)
	}
	if run.Error != "" {
		table.Append("Error", run.Error)
	}
	table.Append("Created At", run.CreatedAt.Format(time.RFC3339))
	if run.FinishedAt != nil {
		table.Append("Finished At", run.FinishedAt.Format(time.RFC3339))
	}
	for key, value := range run.Config {
		table.Append("config."+key, fmt.Sprintf("%v", value))
	}
	table.Render()
	return nil
}

func runRunsFinish(cmd *cobra.Command, args []string) error {
	status := models.RunStatus(finishStatus)
	switch status {
	case models.RunStatusFinished, models.RunStatusFailed, models.RunStatusCrashed:
	default:
		return fmt.Errorf("invalid status %q (finished, failed, crashed)", finishStatus)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := NewTrackClient().FinishRun(ctx, args[0], &models.RunResult{
		Status:     status,
		Error:      finishErrorMsg,
		FinishedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	fmt.Printf("Run %s marked %s\n", args[0], status)
	return nil
}
