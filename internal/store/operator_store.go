package store

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bradax/broker/internal/jsonfile"
)

// Operator is a human administrator authenticated separately from
// projects; it exists only to gate the Project Admin API.
type Operator struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

type operatorSnapshot struct {
	byUsername map[string]*Operator
}

// OperatorStore is a JSON-backed, atomic-replace store for operator
// accounts, mirroring the Project Store's copy-on-reload discipline.
type OperatorStore struct {
	path     string
	snapshot atomic.Pointer[operatorSnapshot]
	writeMu  sync.Mutex
}

// NewOperatorStore loads path, creating an empty store if the file does
// not yet exist (a fresh deployment has no operators until one is
// bootstrapped via the CLI).
func NewOperatorStore(path string) (*OperatorStore, error) {
	s := &OperatorStore{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the backing file and swaps in a new snapshot.
func (s *OperatorStore) Reload() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var operators []Operator
	if _, err := jsonfile.ReadInto(s.path, &operators); err != nil {
		return fmt.Errorf("store: load operators: %w", err)
	}
	byUsername := make(map[string]*Operator, len(operators))
	for i := range operators {
		o := &operators[i]
		if o.Username == "" {
			return fmt.Errorf("store: operator record missing username")
		}
		byUsername[o.Username] = o
	}
	s.snapshot.Store(&operatorSnapshot{byUsername: byUsername})
	return nil
}

// Get returns the operator with the given username.
func (s *OperatorStore) Get(username string) (*Operator, bool) {
	snap := s.snapshot.Load()
	if snap == nil {
		return nil, false
	}
	o, ok := snap.byUsername[username]
	return o, ok
}

// Upsert persists an operator account (create or replace by username).
func (s *OperatorStore) Upsert(o Operator) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	current := s.snapshot.Load()
	next := make(map[string]*Operator, len(current.byUsername)+1)
	for u, existing := range current.byUsername {
		next[u] = existing
	}
	stored := o
	next[o.Username] = &stored

	if err := s.persist(next); err != nil {
		return err
	}
	s.snapshot.Store(&operatorSnapshot{byUsername: next})
	return nil
}

func (s *OperatorStore) persist(byUsername map[string]*Operator) error {
	operators := make([]Operator, 0, len(byUsername))
	for _, o := range byUsername {
		operators = append(operators, *o)
	}
	sort.Slice(operators, func(i, j int) bool { return operators[i].Username < operators[j].Username })
	return jsonfile.WriteAtomic(s.path, operators)
}
