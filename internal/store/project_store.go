// Package store implements the read-mostly, JSON-backed stores for
// projects and guardrail rules. Both hold their current contents behind an
// atomic.Pointer snapshot: readers capture a local reference on entry and
// see either the whole old snapshot or the whole new one, never a mix.
package store

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bradax/broker/internal/jsonfile"
	"github.com/bradax/broker/internal/models"
)

// projectSnapshot is the immutable value swapped atomically on every
// write. byID is never mutated after construction.
type projectSnapshot struct {
	byID map[string]*models.Project
}

// ProjectStore serves project metadata read from data/projects.json and
// persists operator writes back to the same file with an atomic replace.
type ProjectStore struct {
	path     string
	snapshot atomic.Pointer[projectSnapshot]
	writeMu  sync.Mutex // serializes writers; readers never block
}

// NewProjectStore loads and validates the project file at path. It fails
// fast: an invalid record aborts startup rather than silently degrading.
func NewProjectStore(path string) (*ProjectStore, error) {
	s := &ProjectStore{path: path}
	if err := s.reloadLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the backing file and swaps in a new snapshot. Concurrent
// readers observe either the fully old or fully new snapshot.
func (s *ProjectStore) Reload() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.reloadLocked()
}

func (s *ProjectStore) reloadLocked() error {
	projects, err := loadProjectFile(s.path)
	if err != nil {
		return err
	}
	byID := make(map[string]*models.Project, len(projects))
	for i := range projects {
		p := &projects[i]
		if err := p.Validate(); err != nil {
			return fmt.Errorf("store: invalid project %q: %w", p.ProjectID, err)
		}
		if _, dup := byID[p.ProjectID]; dup {
			return fmt.Errorf("store: duplicate project_id %q", p.ProjectID)
		}
		byID[p.ProjectID] = p
	}
	s.snapshot.Store(&projectSnapshot{byID: byID})
	return nil
}

// Get returns the project with the given id from the current snapshot.
func (s *ProjectStore) Get(projectID string) (*models.Project, bool) {
	snap := s.snapshot.Load()
	if snap == nil {
		return nil, false
	}
	p, ok := snap.byID[projectID]
	return p, ok
}

// List returns every project in the current snapshot, sorted by id for
// deterministic output.
func (s *ProjectStore) List() []*models.Project {
	snap := s.snapshot.Load()
	if snap == nil {
		return nil
	}
	out := make([]*models.Project, 0, len(snap.byID))
	for _, p := range snap.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

// Upsert validates and persists a project record, then swaps it into the
// live snapshot. Writers are serialized; the read path is lock-free.
func (s *ProjectStore) Upsert(p models.Project) (*models.Project, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if err := p.Validate(); err != nil {
		return nil, err
	}

	current := s.snapshot.Load()
	next := make(map[string]*models.Project, len(current.byID)+1)
	for id, existing := range current.byID {
		next[id] = existing
	}
	stored := p
	next[p.ProjectID] = &stored

	if err := persistProjectFile(s.path, next); err != nil {
		return nil, err
	}
	s.snapshot.Store(&projectSnapshot{byID: next})
	return &stored, nil
}

// Delete removes a project and persists the result. It is a no-op if the
// project does not exist.
func (s *ProjectStore) Delete(projectID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current := s.snapshot.Load()
	if _, ok := current.byID[projectID]; !ok {
		return nil
	}
	next := make(map[string]*models.Project, len(current.byID))
	for id, existing := range current.byID {
		if id == projectID {
			continue
		}
		next[id] = existing
	}
	if err := persistProjectFile(s.path, next); err != nil {
		return err
	}
	s.snapshot.Store(&projectSnapshot{byID: next})
	return nil
}

// DebitBudget atomically subtracts amount from a project's remaining
// budget, floored at zero, and persists the result. It returns the
// project's new state.
func (s *ProjectStore) DebitBudget(projectID string, amount float64) (*models.Project, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current := s.snapshot.Load()
	existing, ok := current.byID[projectID]
	if !ok {
		return nil, fmt.Errorf("store: unknown project %q", projectID)
	}

	updated := *existing
	updated.BudgetRemaining = models.RoundCents(existing.BudgetRemaining - amount)
	if updated.BudgetRemaining < 0 {
		updated.BudgetRemaining = 0
	}
	updated.UpdatedAt = time.Now().UTC()

	next := make(map[string]*models.Project, len(current.byID))
	for id, p := range current.byID {
		next[id] = p
	}
	next[projectID] = &updated

	if err := persistProjectFile(s.path, next); err != nil {
		return nil, err
	}
	s.snapshot.Store(&projectSnapshot{byID: next})
	return &updated, nil
}

func loadProjectFile(path string) ([]models.Project, error) {
	var projects []models.Project
	if _, err := jsonfile.ReadInto(path, &projects); err != nil {
		return nil, fmt.Errorf("store: load projects: %w", err)
	}
	return projects, nil
}

func persistProjectFile(path string, byID map[string]*models.Project) error {
	projects := make([]models.Project, 0, len(byID))
	for _, p := range byID {
		projects = append(projects, *p)
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].ProjectID < projects[j].ProjectID })
	return jsonfile.WriteAtomic(path, projects)
}
