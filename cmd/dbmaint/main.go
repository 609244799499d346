package main

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/controlplane-com/dbmaint/pkg/api/client"
)

var (
	// Flags
	agentURL   string
	authToken  string
	jsonOutput bool
	wait       bool
	pollEvery  time.Duration
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Error already printed by cobra
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dbmaint",
		Short: "Operate the dbmaint agent",
		Long: `dbmaint talks to a running dbmaint agent over its HTTP API.

Backups and restores run inside the agent a few chunks at a time; these
commands only start them and report progress. Use --wait to block until
the operation ends.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&agentURL, "url", getEnv("DBMAINT_URL", "http://127.0.0.1:8080"), "agent base URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", os.Getenv("DBMAINT_TOKEN"), "agent bearer token")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(
		newBackupCmd(),
		newRestoreCmd(),
		newStatusCmd(),
		newRollbackCmd(),
		newMaintenanceCmd(),
		newStatsCmd(),
		newCleanupCmd(),
		newHistoryCmd(),
		newArtifactsCmd(),
		newUploadCmd(),
		newFetchCmd(),
	)

	return rootCmd
}

func newClient() *client.AgentClient {
	c := client.NewAgentClient(agentURL, authToken)
	if pollEvery > 0 {
		c.PollInterval = pollEvery
	}
	return c
}

func addWaitFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the operation ends")
	cmd.Flags().DurationVar(&pollEvery, "poll", 5*time.Second, "status poll interval with --wait")
}

// printJSON writes v indented to stdout
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
