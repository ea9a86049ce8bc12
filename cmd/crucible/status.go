package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/crucible/internal/state"
	"github.com/ShayCichocki/crucible/pkg/models"
)

var statusRequest string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline state and spend",
	Long: `Display the state of the crucible pipeline.

Shows:
  - Tasks for a request and their pipeline status (--request)
  - Escalations waiting for a human decision
  - Token usage and cost per provider`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusRequest, "request", "", "Show tasks for a specific request ID")
}

func runStatus(cmd *cobra.Command, args []string) error {
	db, err := openExistingDB()
	if err != nil {
		return err
	}
	defer db.Close()

	if statusRequest != "" {
		tasks, err := db.ListTasksByRequest(statusRequest)
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}
		if len(tasks) == 0 {
			fmt.Printf("no tasks for request %s\n", statusRequest)
		} else {
			fmt.Printf("Request %s:\n", statusRequest)
			for _, t := range tasks {
				displayTask(db, t)
			}
		}
		fmt.Println()
	}

	pending, err := db.ListPendingEscalations()
	if err != nil {
		return fmt.Errorf("list escalations: %w", err)
	}
	if len(pending) == 0 {
		fmt.Println("Escalations: none pending")
	} else {
		fmt.Printf("Escalations: %d pending\n", len(pending))
		for _, esc := range pending {
			age := formatDuration(time.Since(esc.SubmittedAt))
			color.Yellow("  %s: %s (waiting %s)", esc.TaskID, esc.Reason, age)
		}
		fmt.Println("Resolve with 'crucible resolve <task-id> --approve' or '--reject'.")
	}
	fmt.Println()

	if err := displayProviderHealth(db); err != nil {
		return err
	}
	fmt.Println()

	return displayUsage(db)
}

func displayProviderHealth(db *state.DB) error {
	records, err := db.ListProviderHealth()
	if err != nil {
		return fmt.Errorf("list provider health: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("Providers: no health recorded")
		return nil
	}

	fmt.Println("Providers:")
	for _, r := range records {
		line := fmt.Sprintf("  %s: %s", r.Provider, r.State)
		if r.ConsecutiveFailures > 0 {
			line += fmt.Sprintf(" (%d consecutive failure(s))", r.ConsecutiveFailures)
		}
		switch r.State {
		case "open":
			color.Red("%s", line)
		case "half_open":
			color.Yellow("%s", line)
		default:
			fmt.Println(line)
		}
	}
	return nil
}

func displayTask(db *state.DB, t *models.Task) {
	line := fmt.Sprintf("  %s: %s [%s, attempt %d]", t.ID, t.Status, t.Tier, t.AttemptCount)
	switch t.Status {
	case models.TaskStatusAccepted:
		color.Green("%s", line)
	case models.TaskStatusFailed:
		color.Red("%s (%s)", line, t.FailureReason)
		displayTaskHistory(db, t.ID)
	case models.TaskStatusEscalated:
		color.Yellow("%s", line)
		displayTaskHistory(db, t.ID)
	default:
		fmt.Println(line)
	}
}

// displayTaskHistory prints the last validation score and the repair
// passes for a task that did not sail through.
func displayTaskHistory(db *state.DB, taskID string) {
	reports, err := db.ListValidationReports(taskID)
	if err == nil && len(reports) > 0 {
		last := reports[len(reports)-1]
		fmt.Printf("      last score: %.2f (validation attempt %d)\n", last.Score, last.Attempt)
	}
	attempts, err := db.ListRefinementAttempts(taskID)
	if err != nil {
		return
	}
	for _, a := range attempts {
		fmt.Printf("      refine %d [%s]: %.2f -> %.2f (%s)\n",
			a.Attempt, a.Strategy, a.InputScore, a.OutputScore, a.Outcome)
	}
}

func displayUsage(db *state.DB) error {
	summaries, err := db.SummarizeUsage()
	if err != nil {
		return fmt.Errorf("summarize usage: %w", err)
	}
	if len(summaries) == 0 {
		fmt.Println("Usage: no calls recorded")
		return nil
	}

	fmt.Println("Usage:")
	var total float64
	for _, s := range summaries {
		fmt.Printf("  %s: %d call(s), %s in / %s out, $%.4f\n",
			s.Provider, s.Calls, formatNumber(s.TokensIn), formatNumber(s.TokensOut), s.Cost)
		total += s.Cost
	}
	fmt.Printf("  total: $%.4f\n", total)
	return nil
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	days := int(d.Hours()) / 24
	return fmt.Sprintf("%dd", days)
}

// formatNumber adds thousands separators to a number.
func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1_000_000 {
		return fmt.Sprintf("%.1fk", float64(n)/1000)
	}
	return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
}
