package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/controlplane-com/dbmaint/pkg/shared/types"
)

func newBackupCmd() *cobra.Command {
	var label string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Start a backup of the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			ctx := cmd.Context()
			id, err := c.StartBackup(ctx, types.BackupRequest{Label: label})
			if err != nil {
				return err
			}
			if !wait {
				if jsonOutput {
					return printJSON(types.StartJobResponse{JobID: id})
				}
				fmt.Printf("backup started: %s\n", id)
				return nil
			}
			info, err := c.WaitBackup(ctx, id, func(info *types.BackupJobInfo) {
				if !jsonOutput {
					fmt.Fprintf(os.Stderr, "%s: %s\n", info.Phase, backupProgress(info))
				}
			})
			if info != nil {
				if jsonOutput {
					_ = printJSON(info)
				} else {
					printBackup(info)
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "label stored with the artifact")
	addWaitFlags(cmd)
	return cmd
}

func newRestoreCmd() *cobra.Command {
	var skipFilter bool
	cmd := &cobra.Command{
		Use:   "restore FILE",
		Short: "Restore the database from a backup artifact",
		Long: `Restore replaces the live tables with the contents of FILE, an artifact in
the agent's backup directory. A safety backup of the current data is taken
first, and the site is in maintenance mode until the restore ends.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			ctx := cmd.Context()
			id, err := c.StartRestore(ctx, types.RestoreRequest{File: args[0], SkipSafetyFilter: skipFilter})
			if err != nil {
				return err
			}
			if !wait {
				if jsonOutput {
					return printJSON(types.StartJobResponse{JobID: id})
				}
				fmt.Printf("restore started: %s\n", id)
				return nil
			}
			return waitRestore(cmd, id)
		},
	}
	cmd.Flags().BoolVar(&skipFilter, "skip-safety-filter", false, "replay every statement without filtering (logged by the agent)")
	addWaitFlags(cmd)
	return cmd
}

func waitRestore(cmd *cobra.Command, id string) error {
	var last types.StatusResponse
	st, err := newClient().WaitRestore(cmd.Context(), id, func(st *types.StatusResponse) {
		if jsonOutput || *st == last {
			return
		}
		last = *st
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", st.State, st.Message)
	})
	if st != nil && jsonOutput {
		_ = printJSON(st)
	}
	return err
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [ID]",
		Short: "Show restore or rollback status",
		Long:  "Without ID, status reports the operation that currently holds the agent.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			if wait && id != "" {
				return waitRestore(cmd, id)
			}
			st, err := newClient().RestoreStatus(cmd.Context(), id, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(st)
			}
			if st.ID != "" {
				fmt.Printf("id:      %s\n", st.ID)
			}
			fmt.Printf("state:   %s\n", st.State)
			if st.Message != "" {
				fmt.Printf("message: %s\n", st.Message)
			}
			return nil
		},
	}
	addWaitFlags(cmd)
	return cmd
}

func newRollbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Reverse the last table swap",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().Rollback(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(resp)
			}
			fmt.Println(resp.Message)
			return nil
		},
	}
	return cmd
}

func newMaintenanceCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:       "maintenance [on|off]",
		Short:     "Show or toggle maintenance mode",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			var resp *types.MaintenanceResponse
			var err error
			if len(args) == 0 {
				resp, err = c.Maintenance(cmd.Context())
			} else {
				resp, err = c.SetMaintenance(cmd.Context(), types.MaintenanceRequest{Enabled: args[0] == "on", Reason: reason})
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(resp)
			}
			if !resp.Enabled {
				fmt.Println("maintenance: off")
				return nil
			}
			fmt.Printf("maintenance: on (%s, since %s)\n", resp.Reason, humanize.Time(time.Unix(resp.Since, 0)))
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason shown while maintenance is on")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show table sizes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().Stats(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(resp)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TABLE\tENGINE\tROWS\tSIZE")
			for _, t := range resp.Tables {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.Name, t.Engine, humanize.Comma(t.Rows), t.TotalHuman)
			}
			fmt.Fprintf(w, "TOTAL\t\t\t%s\n", resp.TotalHuman)
			return w.Flush()
		},
	}
}

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Run a housekeeping pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(resp)
			}
			fmt.Printf("expired state rows: %d\n", resp.ExpiredState)
			fmt.Printf("history removed:    %d\n", resp.HistoryRemoved)
			fmt.Printf("temp files removed: %d\n", resp.TempFiles)
			for _, t := range resp.DroppedTables {
				fmt.Printf("dropped table:      %s\n", t)
			}
			for _, e := range resp.Errors {
				fmt.Fprintf(os.Stderr, "error: %s\n", e)
			}
			if len(resp.Errors) > 0 {
				return fmt.Errorf("cleanup finished with %d errors", len(resp.Errors))
			}
			return nil
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var kind string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().History(cmd.Context(), types.OperationKind(kind), limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(resp)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tSTATE\tSTARTED\tMESSAGE")
			for _, op := range resp.Operations {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", op.ID, op.Kind, op.State,
					humanize.Time(time.Unix(op.StartedAt, 0)), op.Message)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "only backup, restore or rollback")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum entries (agent default when 0)")
	return cmd
}

func newArtifactsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "artifacts",
		Short: "List backup artifacts known to the agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().Artifacts(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(resp)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FILE\tSIZE\tCREATED\tLABEL")
			for _, a := range resp.Artifacts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.Filename, humanize.IBytes(uint64(a.Size)),
					humanize.Time(time.Unix(a.CreatedAt, 0)), a.Label)
			}
			return w.Flush()
		},
	}
}

func newUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload FILE",
		Short: "Copy an artifact to offsite storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().Upload(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printTransfer(resp)
		},
	}
}

func newFetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch KEY",
		Short: "Copy an artifact from offsite storage into the backup directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().Fetch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printTransfer(resp)
		},
	}
}

func printTransfer(resp *types.ArtifactTransferResponse) error {
	if jsonOutput {
		return printJSON(resp)
	}
	fmt.Printf("%s <-> %s (%s)\n", resp.File, resp.Key, humanize.IBytes(uint64(resp.Size)))
	return nil
}

func backupProgress(info *types.BackupJobInfo) string {
	return fmt.Sprintf("%d/%d tables, %s rows, %s written", info.TablesDone, info.TablesTotal,
		humanize.Comma(info.RowsDumped), humanize.IBytes(uint64(info.BytesWritten)))
}

func printBackup(info *types.BackupJobInfo) {
	fmt.Printf("id:      %s\n", info.ID)
	fmt.Printf("status:  %s\n", info.Status)
	fmt.Printf("file:    %s\n", info.File)
	fmt.Printf("written: %s\n", backupProgress(info))
	if info.Error != "" {
		fmt.Printf("error:   %s\n", info.Error)
	}
}
