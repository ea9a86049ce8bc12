package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/crucible/internal/state"
	"github.com/ShayCichocki/crucible/pkg/models"
)

var (
	resolveApprove  bool
	resolveReject   bool
	resolveNote     string
	resolveResolver string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <task-id>",
	Short: "Resolve a pending escalation",
	Long: `Record a human decision on an escalated task.

Each escalation accepts exactly one decision; later attempts are
rejected. The decision is applied the next time the request runs:
'crucible run --resume <request-id>' accepts an approved artifact
without regenerating it and fails a rejected one.`,
	Args: cobra.ExactArgs(1),
	RunE: runResolve,
}

func init() {
	resolveCmd.Flags().BoolVar(&resolveApprove, "approve", false, "Accept the escalated output")
	resolveCmd.Flags().BoolVar(&resolveReject, "reject", false, "Reject the escalated output")
	resolveCmd.Flags().StringVar(&resolveNote, "note", "", "Resolution note")
	resolveCmd.Flags().StringVar(&resolveResolver, "resolver", "operator", "Who is deciding")
}

func runResolve(cmd *cobra.Command, args []string) error {
	if resolveApprove == resolveReject {
		return fmt.Errorf("pass exactly one of --approve or --reject")
	}
	taskID := args[0]

	db, err := openExistingDB()
	if err != nil {
		return err
	}
	defer db.Close()

	status := models.EscalationApproved
	if resolveReject {
		status = models.EscalationRejected
	}

	err = db.ResolveEscalation(taskID, status, resolveNote, resolveResolver, time.Now())
	if errors.Is(err, state.ErrAlreadyResolved) {
		esc, getErr := db.GetEscalation(taskID)
		if getErr == nil {
			return fmt.Errorf("escalation for %s already resolved: %s by %s", taskID, esc.Status, esc.ResolverID)
		}
		return err
	}
	if err != nil {
		return err
	}

	fmt.Printf("task %s %s\n", taskID, status)
	return nil
}
