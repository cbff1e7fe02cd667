// Package store persists run records, security alerts, pending reviews, and
// pipelines as JSON files under the project's .warden directory.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/warden-ai/warden/internal/agent"
	"github.com/warden-ai/warden/internal/pipeline"
	"github.com/warden-ai/warden/internal/security"
)

const WardenDir = ".warden"

// Store is a JSON-file record store rooted at <project>/.warden.
type Store struct {
	root string
	mu   sync.RWMutex
}

// New creates a store handle for a project directory.
func New(projectDir string) (*Store, error) {
	return &Store{root: filepath.Join(projectDir, WardenDir)}, nil
}

// Init creates the directory layout.
func (s *Store) Init() error {
	dirs := []string{
		s.root,
		filepath.Join(s.root, "runs"),
		filepath.Join(s.root, "alerts"),
		filepath.Join(s.root, "reviews"),
		filepath.Join(s.root, "pipelines"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}
	return nil
}

// Root returns the .warden directory path.
func (s *Store) Root() string {
	return s.root
}

// Runs

// SaveRun implements agent.RunStore.
func (s *Store) SaveRun(rec agent.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(s.runPath(rec.AgentID), rec)
}

// UpdateRun implements agent.RunStore.
func (s *Store) UpdateRun(rec agent.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(s.runPath(rec.AgentID), rec)
}

// GetRun loads one run record by agent id.
func (s *Store) GetRun(agentID string) (*agent.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rec agent.RunRecord
	if err := s.readJSON(s.runPath(agentID), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRuns returns all run records, newest first.
func (s *Store) ListRuns() ([]agent.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := filepath.Join(s.root, "runs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []agent.RunRecord
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var rec agent.RunRecord
		if err := s.readJSON(filepath.Join(dir, e.Name()), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (s *Store) runPath(agentID string) string {
	return filepath.Join(s.root, "runs", agentID+".json")
}

// Alerts

// storedAlert wraps a security alert with its sequence id.
type storedAlert struct {
	ID int `json:"id"`
	security.Alert
}

// SaveAlert implements security.AlertStore.
func (s *Store) SaveAlert(a security.Alert) error {
	return s.appendAlert("alerts", a)
}

// SavePendingReview implements security.AlertStore.
func (s *Store) SavePendingReview(a security.Alert) error {
	return s.appendAlert("reviews", a)
}

func (s *Store) appendAlert(kind string, a security.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := filepath.Join(s.root, kind)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	id := s.nextID(dir)
	return s.writeJSON(filepath.Join(dir, fmt.Sprintf("%d.json", id)), storedAlert{ID: id, Alert: a})
}

// ListAlerts returns persisted alerts in sequence order.
func (s *Store) ListAlerts() ([]security.Alert, error) {
	return s.listAlerts("alerts")
}

// ListPendingReviews returns the human-review queue in sequence order.
func (s *Store) ListPendingReviews() ([]security.Alert, error) {
	return s.listAlerts("reviews")
}

func (s *Store) listAlerts(kind string) ([]security.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := filepath.Join(s.root, kind)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var stored []storedAlert
	for _, e := range entries {
		var a storedAlert
		if err := s.readJSON(filepath.Join(dir, e.Name()), &a); err != nil {
			continue
		}
		stored = append(stored, a)
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].ID < stored[j].ID })

	out := make([]security.Alert, 0, len(stored))
	for _, a := range stored {
		out = append(out, a.Alert)
	}
	return out, nil
}

// AlertsSince filters alerts by creation time.
func (s *Store) AlertsSince(t time.Time) ([]security.Alert, error) {
	all, err := s.ListAlerts()
	if err != nil {
		return nil, err
	}
	var out []security.Alert
	for _, a := range all {
		if a.CreatedAt.After(t) {
			out = append(out, a)
		}
	}
	return out, nil
}

// Pipelines

// SavePipeline implements pipeline.Store.
func (s *Store) SavePipeline(p pipeline.Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(filepath.Join(s.root, "pipelines", p.ID+".json"), p)
}

// GetPipeline loads one pipeline snapshot.
func (s *Store) GetPipeline(id string) (*pipeline.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var p pipeline.Pipeline
	if err := s.readJSON(filepath.Join(s.root, "pipelines", id+".json"), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPipelines returns all persisted pipelines, newest first.
func (s *Store) ListPipelines() ([]pipeline.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := filepath.Join(s.root, "pipelines")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []pipeline.Pipeline
	for _, e := range entries {
		var p pipeline.Pipeline
		if err := s.readJSON(filepath.Join(dir, e.Name()), &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Helpers

func (s *Store) writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (s *Store) readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *Store) nextID(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 1
	}
	maxID := 0
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".json")
		if id, err := strconv.Atoi(name); err == nil && id > maxID {
			maxID = id
		}
	}
	return maxID + 1
}
