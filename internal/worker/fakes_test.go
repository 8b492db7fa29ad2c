package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradingrun/agentrun/pkg/models"
)

type fakeStore struct {
	mu sync.Mutex

	agents          map[uuid.UUID]*models.Agent
	heartbeats      map[uuid.UUID]string
	cleared         map[uuid.UUID]bool
	errorMessages   map[uuid.UUID]string
	lastCycleAt     map[uuid.UUID]time.Time
	heartbeatWrites int
}

func newFakeStore(agent *models.Agent) *fakeStore {
	return &fakeStore{
		agents:        map[uuid.UUID]*models.Agent{agent.ID: agent},
		heartbeats:    map[uuid.UUID]string{},
		cleared:       map[uuid.UUID]bool{},
		errorMessages: map[uuid.UUID]string{},
		lastCycleAt:   map[uuid.UUID]time.Time{},
	}
}

func (s *fakeStore) GetAgent(ctx context.Context, agentID uuid.UUID) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil, errors.New("fake store: not found")
	}
	return a, nil
}

func (s *fakeStore) UpdateHeartbeat(ctx context.Context, agentID uuid.UUID, instanceID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats[agentID] = instanceID
	s.heartbeatWrites++
	return nil
}

func (s *fakeStore) ClearHeartbeat(ctx context.Context, agentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared[agentID] = true
	delete(s.heartbeats, agentID)
	return nil
}

func (s *fakeStore) RecordCycleSuccess(ctx context.Context, agentID uuid.UUID, lastRunAt, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCycleAt[agentID] = lastRunAt
	return nil
}

func (s *fakeStore) SetStatusError(ctx context.Context, agentID uuid.UUID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorMessages[agentID] = message
	if a, ok := s.agents[agentID]; ok {
		a.Status = models.AgentError
	}
	return nil
}

type fakeOwnership struct {
	mu    sync.Mutex
	owner map[uuid.UUID]string

	refreshCalls int
}

func newFakeOwnership() *fakeOwnership {
	return &fakeOwnership{owner: map[uuid.UUID]string{}}
}

func (f *fakeOwnership) Claim(ctx context.Context, agentID uuid.UUID, instanceID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.owner[agentID]; held {
		return false, nil
	}
	f.owner[agentID] = instanceID
	return true, nil
}

func (f *fakeOwnership) Refresh(ctx context.Context, agentID uuid.UUID, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.owner[agentID] != instanceID {
		return ErrOwnedByOther
	}
	return nil
}

func (f *fakeOwnership) Release(ctx context.Context, agentID uuid.UUID, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.owner[agentID] == instanceID {
		delete(f.owner, agentID)
	}
	return nil
}

type fakeLock struct {
	mu     sync.Mutex
	locked map[uuid.UUID]bool
	deny   bool
}

func newFakeLock() *fakeLock {
	return &fakeLock{locked: map[uuid.UUID]bool{}}
}

func (l *fakeLock) Acquire(ctx context.Context, agentID uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deny || l.locked[agentID] {
		return false
	}
	l.locked[agentID] = true
	return true
}

func (l *fakeLock) Release(ctx context.Context, agentID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locked, agentID)
}

type fakeRunner struct {
	mu     sync.Mutex
	errs   []error
	calls  int
	closed bool
}

func (r *fakeRunner) RunCycle(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	if r.calls < len(r.errs) {
		err = r.errs[r.calls]
	}
	r.calls++
	return err
}

func (r *fakeRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}
