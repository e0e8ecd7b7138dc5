package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/toil-engine/api"
	"github.com/warp/toil-engine/hr"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(escalationsCmd)
	rootCmd.AddCommand(seedCmd)

	escalationsCmd.Flags().Int("threshold-days", 0, "Age in days after which a request escalates (default from config)")
}

// ─── migrate ────────────────────────────────────────────────────────────────

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := open()
		if err != nil {
			return err
		}
		defer rt.close()
		if err := rt.store.Migrate(ctxOf(cmd)); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema up to date: %s\n", rt.cfg.Database.Path)
		return nil
	},
}

// ─── escalations ────────────────────────────────────────────────────────────

var escalationsCmd = &cobra.Command{
	Use:   "escalations",
	Short: "List PENDING leave requests awaiting a decision too long",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := open()
		if err != nil {
			return err
		}
		defer rt.close()

		threshold := rt.cfg.Escalation.ThresholdDays
		if cmd.Flags().Changed("threshold-days") {
			threshold, _ = cmd.Flags().GetInt("threshold-days")
		}
		found, err := rt.engine.ListEscalations(ctxOf(cmd), hr.SystemPrincipal, threshold)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no overdue requests")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "REQUEST\tEMPLOYEE\tAPPROVER\tTYPE\tSTART\tAGE (DAYS)")
		for _, e := range found {
			approver := e.Request.ApproverID
			if approver == "" {
				approver = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
				e.Request.ID, e.Request.EmployeeID, approver, e.Request.LeaveTypeCode,
				e.Request.StartDate.Format("2006-01-02"), e.AgeDays)
		}
		return w.Flush()
	},
}

// ─── seed ───────────────────────────────────────────────────────────────────

var seedCmd = &cobra.Command{
	Use:   "seed SCENARIO",
	Short: "Load a demo scenario (baseline, training-credit, leave-approval)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := open()
		if err != nil {
			return err
		}
		defer rt.close()
		if err := api.LoadScenario(ctxOf(cmd), rt.engine, args[0], time.Now()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "loaded scenario %s\n", args[0])
		return nil
	},
}

func ctxOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
