// Package intake turns request documents into pipeline task sets. It
// stands in for the external decomposition service: a request arrives
// as a YAML document listing tasks with optional tier hints and
// dependency edges.
package intake

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/crucible/pkg/models"
)

// document is the on-disk request format.
type document struct {
	Request string `yaml:"request"`
	Tasks   []struct {
		ID          string   `yaml:"id"`
		Description string   `yaml:"description"`
		Tier        string   `yaml:"tier"`
		DependsOn   []string `yaml:"depends_on"`
	} `yaml:"tasks"`
}

// Request is a parsed and validated task set.
type Request struct {
	// ID groups the tasks. Generated when the document omits it.
	ID string
	// Tasks are ready for the pipeline, all in the pending state.
	Tasks []*models.Task
}

// ParseFile reads and parses a YAML request document.
func ParseFile(path string) (*Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read request file: %w", err)
	}
	req, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return req, nil
}

// Parse parses a YAML request document and validates its structure.
func Parse(data []byte) (*Request, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse request: %w", err)
	}
	if len(doc.Tasks) == 0 {
		return nil, fmt.Errorf("request defines no tasks")
	}

	requestID := doc.Request
	if requestID == "" {
		requestID = uuid.New().String()
	}

	tasks := make([]*models.Task, 0, len(doc.Tasks))
	for i, t := range doc.Tasks {
		if strings.TrimSpace(t.Description) == "" {
			return nil, fmt.Errorf("task %d has no description", i)
		}
		if t.Tier != "" && !validTierName(t.Tier) {
			return nil, fmt.Errorf("task %d: unknown tier %q", i, t.Tier)
		}
		id := t.ID
		if id == "" {
			id = uuid.New().String()
		}
		tasks = append(tasks, &models.Task{
			ID:          id,
			RequestID:   requestID,
			Description: t.Description,
			TierHint:    t.Tier,
			DependsOn:   t.DependsOn,
			Status:      models.TaskStatusPending,
		})
	}

	if err := validateReferences(tasks); err != nil {
		return nil, err
	}
	return &Request{ID: requestID, Tasks: tasks}, nil
}

// Single wraps one task description as a request, for CLI runs that
// skip the document format.
func Single(requestID, description, tierHint string) *Request {
	if requestID == "" {
		requestID = uuid.New().String()
	}
	return &Request{
		ID: requestID,
		Tasks: []*models.Task{{
			ID:          uuid.New().String(),
			RequestID:   requestID,
			Description: description,
			TierHint:    tierHint,
			Status:      models.TaskStatusPending,
		}},
	}
}

// validateReferences checks that task IDs are unique and every
// dependency names a task in the set. Cycles are caught later when the
// pipeline builds its dependency graph.
func validateReferences(tasks []*models.Task) error {
	ids := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if ids[t.ID] {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		ids[t.ID] = true
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				return fmt.Errorf("task %q depends on itself", t.ID)
			}
			if !ids[dep] {
				return fmt.Errorf("task %q depends on unknown task %q", t.ID, dep)
			}
		}
	}
	return nil
}

func validTierName(name string) bool {
	switch name {
	case "quick", "scout", "builder", "architect":
		return true
	}
	return false
}
