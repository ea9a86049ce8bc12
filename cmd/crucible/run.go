package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/crucible/internal/config"
	"github.com/ShayCichocki/crucible/internal/escalate"
	"github.com/ShayCichocki/crucible/internal/gateway"
	"github.com/ShayCichocki/crucible/internal/intake"
	"github.com/ShayCichocki/crucible/internal/pipeline"
	"github.com/ShayCichocki/crucible/internal/state"
	"github.com/ShayCichocki/crucible/pkg/models"
)

var (
	runFile     string
	runRequest  string
	runTierHint string
	runResume   bool
	runHeadless bool
)

var runCmd = &cobra.Command{
	Use:   "run [task description]",
	Short: "Run a generation request through the pipeline",
	Long: `Run a generation request through routing, validation, refinement,
and escalation until every task settles.

A request is either a single task description given as the argument, or
a YAML task file given with --file:

  request: checkout-flow
  tasks:
    - id: schema
      description: Design the order schema
      tier: scout
    - id: api
      description: Build the order API
      depends_on: [schema]

Tasks whose dependencies fail are failed without a generation call.
Output that scores below the acceptance threshold is refined, and
below the refinement floor it is parked for human review. With a
terminal attached, pending reviews are prompted inline; otherwise
resolve them later with 'crucible resolve' and rerun with --resume.

Use --resume <request-id> to pick up an interrupted request. Settled
tasks keep their outcome; escalated tasks apply any recorded decision
without regenerating.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPipeline,
}

func init() {
	runCmd.Flags().StringVar(&runFile, "file", "", "YAML task file describing the request")
	runCmd.Flags().StringVar(&runRequest, "request", "", "Request ID to group tasks under")
	runCmd.Flags().StringVar(&runTierHint, "tier", "", "Tier hint for a single-task run: quick, scout, builder, or architect")
	runCmd.Flags().BoolVar(&runResume, "resume", false, "Resume an existing request by ID")
	runCmd.Flags().BoolVar(&runHeadless, "headless", false, "Do not prompt for escalation decisions")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	db, err := openProjectDB()
	if err != nil {
		return err
	}
	defer db.Close()

	p, gate, gw, err := buildPipeline(cfg, db)
	if err != nil {
		return err
	}
	defer saveProviderHealth(db, gw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nshutting down, failing unsettled tasks...")
		cancel()
	}()
	defer signal.Stop(sigCh)

	go gate.RunSweeper(ctx, cfg.Escalation.SweepInterval)
	go consumeEvents(p.Events())
	if !runHeadless {
		go promptEscalations(ctx, db, gate)
	}
	startConfigWatcher(ctx, p)

	var summary *pipeline.Summary
	if runResume {
		requestID := runRequest
		if len(args) > 0 {
			requestID = args[0]
		}
		if requestID == "" {
			return fmt.Errorf("--resume requires a request ID")
		}
		summary, err = p.Resume(ctx, requestID)
	} else {
		req, loadErr := loadRequest(args)
		if loadErr != nil {
			return loadErr
		}
		fmt.Printf("request %s: %d task(s)\n", req.ID, len(req.Tasks))
		summary, err = p.Run(ctx, req.ID, req.Tasks)
	}
	if err != nil {
		return err
	}

	printSummary(summary)
	if summary.Failed > 0 {
		return fmt.Errorf("%d task(s) failed", summary.Failed)
	}
	return nil
}

// loadRequest builds the task set from the --file YAML or the single
// description argument.
func loadRequest(args []string) (*intake.Request, error) {
	if runFile != "" {
		req, err := intake.ParseFile(runFile)
		if err != nil {
			return nil, err
		}
		if runRequest != "" {
			req.ID = runRequest
			for _, t := range req.Tasks {
				t.RequestID = runRequest
			}
		}
		return req, nil
	}

	if len(args) == 0 {
		return nil, fmt.Errorf("provide a task description or --file")
	}
	return intake.Single(runRequest, args[0], runTierHint), nil
}

// startConfigWatcher reloads thresholds when the active config file
// changes. No watcher is started when no config file exists.
func startConfigWatcher(ctx context.Context, p *pipeline.Pipeline) {
	path := config.GetProjectConfigPath()
	if path == "" {
		userPath := config.GetUserConfigPath()
		if _, err := os.Stat(userPath); err != nil {
			return
		}
		path = userPath
	}

	w, err := config.Watch(path, func(c *config.Config) {
		p.SetThresholds(c.Thresholds.Accept, c.Thresholds.Refine)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "config watch disabled: %v\n", err)
		return
	}
	go w.Run(ctx)
}

// consumeEvents prints the pipeline event stream until it closes.
func consumeEvents(events <-chan pipeline.Event) {
	for ev := range events {
		switch ev.Type {
		case pipeline.EventTaskRouted:
			fmt.Printf("  %s routed to %s\n", ev.TaskID, ev.Tier)
		case pipeline.EventTaskValidated:
			fmt.Printf("  %s scored %.2f\n", ev.TaskID, ev.Score)
		case pipeline.EventTaskRefining:
			color.Cyan("  %s refining (score %.2f)", ev.TaskID, ev.Score)
		case pipeline.EventTaskEscalated:
			color.Yellow("  %s needs review: %s", ev.TaskID, ev.Message)
		case pipeline.EventTaskAccepted:
			color.Green("  %s accepted", ev.TaskID)
		case pipeline.EventTaskFailed:
			color.Red("  %s failed: %s", ev.TaskID, ev.Message)
		case pipeline.EventVersionCommitted:
			fmt.Printf("  %s committed version %s\n", ev.TaskID, ev.Message)
		}
	}
}

// promptEscalations reads pending escalations and asks the operator to
// approve or reject each one on stdin.
func promptEscalations(ctx context.Context, db taskReader, gate *escalate.Gate) {
	reader := bufio.NewReader(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			return
		case esc, ok := <-gate.RequestCh():
			if !ok {
				return
			}
			printEscalation(db, esc)
			decision := readDecision(reader)
			if decision == nil {
				continue
			}
			if _, err := gate.Resolve(esc.TaskID, *decision); err != nil {
				fmt.Fprintf(os.Stderr, "resolve %s: %v\n", esc.TaskID, err)
			}
		}
	}
}

// taskReader is the slice of the store the escalation prompt needs.
type taskReader interface {
	GetTask(id string) (*models.Task, error)
	GetArtifact(taskID string) (*models.Artifact, error)
}

func printEscalation(db taskReader, esc *models.EscalationRequest) {
	color.Yellow("\nreview needed for task %s (%s)", esc.TaskID, esc.Reason)
	if task, err := db.GetTask(esc.TaskID); err == nil {
		fmt.Printf("  task: %s\n", task.Description)
	}
	if artifact, err := db.GetArtifact(esc.TaskID); err == nil {
		preview := artifact.Content
		if len(preview) > 400 {
			preview = preview[:400] + "..."
		}
		fmt.Printf("  output (%s):\n%s\n", artifact.Model, preview)
	}
}

// readDecision prompts for approve/reject. Returns nil when the
// operator skips, leaving the escalation pending.
func readDecision(reader *bufio.Reader) *escalate.Decision {
	fmt.Print("approve, reject, or skip [a/r/s]: ")
	line, err := reader.ReadString('\n')
	if err != nil {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "a", "approve":
		return &escalate.Decision{Approve: true, Resolution: "approved interactively", ResolverID: "operator"}
	case "r", "reject":
		fmt.Print("reason: ")
		note, _ := reader.ReadString('\n')
		return &escalate.Decision{Approve: false, Resolution: strings.TrimSpace(note), ResolverID: "operator"}
	default:
		return nil
	}
}

// saveProviderHealth snapshots the circuit breakers so the status
// command can report provider trouble after the run exits.
func saveProviderHealth(db *state.DB, gw *gateway.Gateway) {
	now := time.Now()
	for _, h := range gw.Health() {
		record := &state.ProviderHealthRecord{
			Provider:            h.Provider,
			State:               string(h.State),
			ConsecutiveFailures: h.ConsecutiveFailures,
			UpdatedAt:           now,
		}
		if !h.OpenedAt.IsZero() {
			openedAt := h.OpenedAt
			record.OpenedAt = &openedAt
		}
		if err := db.SaveProviderHealth(record); err != nil {
			fmt.Fprintf(os.Stderr, "save provider health: %v\n", err)
		}
	}
}

func printSummary(s *pipeline.Summary) {
	fmt.Println()
	color.Green("accepted: %d", s.Accepted)
	if s.Failed > 0 {
		color.Red("failed:   %d", s.Failed)
	} else {
		fmt.Printf("failed:   %d\n", s.Failed)
	}
	fmt.Printf("cost:     $%.4f\n", s.TotalCost)
	if s.DroppedEvents > 0 {
		fmt.Printf("dropped %d event(s) under load\n", s.DroppedEvents)
	}
}
