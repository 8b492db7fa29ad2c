package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tradingrun/agentrun/pkg/models"
)

type fakeRegistry struct {
	mu      sync.Mutex
	active  []models.Agent
	cleared bool
}

func (r *fakeRegistry) ListActiveAgents(ctx context.Context) ([]models.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Agent, len(r.active))
	copy(out, r.active)
	return out, nil
}

func (r *fakeRegistry) ClearAllHeartbeatsForActiveAgents(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleared = true
	return nil
}

func noopFactory(runner Runner, interval time.Duration) RunnerFactory {
	return func(ctx context.Context, agent *models.Agent) (Runner, time.Duration, error) {
		return runner, interval, nil
	}
}

func TestManagerStartClaimsActiveAgents(t *testing.T) {
	a1 := testAgentRecord()
	a2 := testAgentRecord()
	registry := &fakeRegistry{active: []models.Agent{*a1, *a2}}
	store := newFakeStore(a1)
	store.agents[a2.ID] = a2
	own := newFakeOwnership()
	lock := newFakeLock()

	m := NewManager(ManagerConfig{
		InstanceID: "inst-a",
		Registry:   registry,
		Store:      store,
		Ownership:  own,
		ExecLock:   lock,
		Factory:    noopFactory(&fakeRunner{}, 15*time.Minute),
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer m.Shutdown(time.Second)

	if m.ActiveWorkerCount() != 2 {
		t.Fatalf("expected 2 active workers, got %d", m.ActiveWorkerCount())
	}
	if !registry.cleared {
		t.Error("expected heartbeats to be cleared at startup")
	}
}

func TestManagerTryStartSkipsAlreadyOwnedAgent(t *testing.T) {
	agent := testAgentRecord()
	store := newFakeStore(agent)
	own := newFakeOwnership()
	own.owner[agent.ID] = "other-instance"
	lock := newFakeLock()

	m := NewManager(ManagerConfig{
		InstanceID: "inst-a",
		Registry:   &fakeRegistry{},
		Store:      store,
		Ownership:  own,
		ExecLock:   lock,
		Factory:    noopFactory(&fakeRunner{}, 15*time.Minute),
	})

	m.tryStart(context.Background(), agent)
	if m.ActiveWorkerCount() != 0 {
		t.Error("expected an agent owned by another instance to not be started")
	}
}

func TestManagerTryStartReleasesOwnershipWhenFactoryFails(t *testing.T) {
	agent := testAgentRecord()
	store := newFakeStore(agent)
	own := newFakeOwnership()
	lock := newFakeLock()

	m := NewManager(ManagerConfig{
		InstanceID: "inst-a",
		Registry:   &fakeRegistry{},
		Store:      store,
		Ownership:  own,
		ExecLock:   lock,
		Factory: func(ctx context.Context, a *models.Agent) (Runner, time.Duration, error) {
			return nil, 0, errors.New("boom")
		},
	})

	m.tryStart(context.Background(), agent)
	if m.ActiveWorkerCount() != 0 {
		t.Error("expected no worker to be started when the factory fails")
	}
	if _, held := own.owner[agent.ID]; held {
		t.Error("expected ownership to be released when the factory fails")
	}
}

func TestManagerReapStoppedRemovesFinishedWorkers(t *testing.T) {
	agent := testAgentRecord()
	agent.Status = models.AgentPaused // causes the worker to self-stop on its first cycle
	store := newFakeStore(agent)
	own := newFakeOwnership()
	lock := newFakeLock()

	m := NewManager(ManagerConfig{
		InstanceID: "inst-a",
		Registry:   &fakeRegistry{},
		Store:      store,
		Ownership:  own,
		ExecLock:   lock,
		Factory:    noopFactory(&fakeRunner{}, time.Millisecond),
	})

	m.tryStart(context.Background(), agent)
	if m.ActiveWorkerCount() != 1 {
		t.Fatalf("expected the worker to start before reaping")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		m.mu.RLock()
		aw := m.workers[agent.ID]
		m.mu.RUnlock()
		if aw != nil && aw.Stopped() {
			break
		}
		time.Sleep(time.Millisecond)
	}

	m.reapStopped()
	if m.ActiveWorkerCount() != 0 {
		t.Error("expected the self-stopped worker to be reaped")
	}
}

func TestManagerShutdownStopsAllWorkers(t *testing.T) {
	agent := testAgentRecord()
	store := newFakeStore(agent)
	own := newFakeOwnership()
	lock := newFakeLock()

	m := NewManager(ManagerConfig{
		InstanceID: "inst-a",
		Registry:   &fakeRegistry{},
		Store:      store,
		Ownership:  own,
		ExecLock:   lock,
		Factory:    noopFactory(&fakeRunner{}, 15*time.Minute),
	})

	m.tryStart(context.Background(), agent)
	if m.ActiveWorkerCount() != 1 {
		t.Fatalf("expected one worker running")
	}

	m.Shutdown(time.Second)
	if m.ActiveWorkerCount() != 0 {
		t.Error("expected shutdown to stop every worker")
	}
	if _, held := own.owner[agent.ID]; held {
		t.Error("expected shutdown to release ownership")
	}
}
