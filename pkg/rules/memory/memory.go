// Package memory provides in-memory fakes of the rules.RuleRepository and
// rules.CredentialsLookup ports for tests, since spec §1 places real
// persistence and OAuth acquisition out of this core's scope.
package memory

import (
	"context"
	"sync"
	"time"

	"adengine/pkg/models"
	"adengine/pkg/rules"
)

// Store is a thread-safe in-memory RuleRepository.
type Store struct {
	mu         sync.Mutex
	rulesByID  map[string]*rules.Rule
	executions []models.ExecutionRecord
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{rulesByID: make(map[string]*rules.Rule)}
}

// Put inserts or replaces a rule.
func (s *Store) Put(r rules.Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := r
	s.rulesByID[r.ID] = &cp
}

func (s *Store) FindByID(ctx context.Context, ruleID string) (*rules.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rulesByID[ruleID]
	if !ok {
		return nil, rules.ErrRuleNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *Store) SetLastChecked(ctx context.Context, ruleID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rulesByID[ruleID]
	if !ok {
		return rules.ErrRuleNotFound
	}
	t := at
	r.LastCheckedAt = &t
	return nil
}

func (s *Store) SetLastExecuted(ctx context.Context, ruleID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rulesByID[ruleID]
	if !ok {
		return rules.ErrRuleNotFound
	}
	t := at
	r.LastExecutedAt = &t
	return nil
}

func (s *Store) AppendExecution(ctx context.Context, record *models.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions = append(s.executions, *record)
	return nil
}

func (s *Store) ActiveRules(ctx context.Context) ([]rules.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]rules.Rule, 0, len(s.rulesByID))
	for _, r := range s.rulesByID {
		if r.IsActive {
			out = append(out, *r)
		}
	}
	return out, nil
}

// Executions returns a snapshot of all appended execution records, in
// append order, for test assertions.
func (s *Store) Executions() []models.ExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ExecutionRecord, len(s.executions))
	copy(out, s.executions)
	return out
}

// Credentials is an in-memory CredentialsLookup keyed by user ID.
type Credentials struct {
	mu sync.Mutex
	m  map[string]rules.PlatformCredentials
	g  map[string]rules.PlatformCredentials
}

// NewCredentials creates an empty Credentials store.
func NewCredentials() *Credentials {
	return &Credentials{
		m: make(map[string]rules.PlatformCredentials),
		g: make(map[string]rules.PlatformCredentials),
	}
}

// SetPlatformM registers the platform-M token for a user.
func (c *Credentials) SetPlatformM(userID, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[userID] = rules.PlatformCredentials{AccessToken: token}
}

// SetPlatformG registers the platform-G token for a user.
func (c *Credentials) SetPlatformG(userID, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.g[userID] = rules.PlatformCredentials{AccessToken: token}
}

func (c *Credentials) PlatformMFor(ctx context.Context, userID string) (*rules.PlatformCredentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	creds, ok := c.m[userID]
	if !ok {
		return nil, rules.ErrCredentialsNotFound
	}
	return &creds, nil
}

func (c *Credentials) PlatformGFor(ctx context.Context, userID string) (*rules.PlatformCredentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	creds, ok := c.g[userID]
	if !ok {
		return nil, rules.ErrCredentialsNotFound
	}
	return &creds, nil
}
