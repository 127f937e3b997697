package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	artifactsName string
	downloadDir   string
)

// artifactsCmd represents the artifacts command
var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "Manage artifacts",
	Long:  `Commands for listing and downloading versioned artifacts from the tracking server.`,
}

// artifactsListCmd represents the artifacts list command
var artifactsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List artifacts",
	Long:  `List artifact versions on the tracking server, optionally filtered by name.`,
	RunE:  runArtifactsList,
}

// artifactsDownloadCmd represents the artifacts download command
var artifactsDownloadCmd = &cobra.Command{
	Use:   "download <name[:version]>",
	Short: "Download an artifact",
	Long:  `Download every file of an artifact version into a local directory. Without a version the latest is used.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runArtifactsDownload,
}

func init() {
	rootCmd.AddCommand(artifactsCmd)
	artifactsCmd.AddCommand(artifactsListCmd)
	artifactsCmd.AddCommand(artifactsDownloadCmd)

	artifactsListCmd.Flags().StringVar(&artifactsName, "name", "", "filter by artifact name")
	artifactsDownloadCmd.Flags().StringVar(&downloadDir, "dir", ".", "directory to download into")
}

func runArtifactsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	artifacts, err := NewTrackClient().ListArtifacts(ctx, artifactsName)
	if err != nil {
		return fmt.Errorf("failed to list artifacts: %w", err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(artifacts, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Name", "Version", "Type", "Aliases", "Run", "Created")
	for _, a := range artifacts {
		table.Append(a.Name, a.Version, a.Type, strings.Join(a.Aliases, ","),
			a.RunID, a.CreatedAt.Format(time.RFC3339))
	}
	table.Render()
	fmt.Printf("\n%d artifact version(s)\n", len(artifacts))
	return nil
}

func runArtifactsDownload(cmd *cobra.Command, args []string) error {
	ref := args[0]
	name, version := ref, ""
	if i := strings.LastIndex(ref, ":"); i >= 0 {
		name, version = ref[:i], ref[i+1:]
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	artifact, err := NewTrackClient().DownloadArtifact(ctx, name, version, downloadDir)
	if err != nil {
		return fmt.Errorf("failed to download artifact: %w", err)
	}

	fmt.Printf("Downloaded %s:%s (%d file(s)) into %s\n", artifact.Name, artifact.Version, len(artifact.Files), downloadDir)
	return nil
}
