package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tradingrun/agentrun/pkg/models"
)

func testAgentRecord() *models.Agent {
	return &models.Agent{
		ID:                       uuid.New(),
		Status:                   models.AgentActive,
		ExecutionIntervalMinutes: 15,
	}
}

func newTestWorker(agent *models.Agent, store *fakeStore, own *fakeOwnership, lock *fakeLock, runner *fakeRunner) *AgentWorker {
	return NewAgentWorker(AgentWorkerConfig{
		AgentID:       agent.ID,
		InstanceID:    "test-instance",
		Interval:      15 * time.Minute,
		Store:         store,
		Ownership:     own,
		ExecLock:      lock,
		Runner:        runner,
		BackoffBase:   time.Millisecond,
		BackoffMax:    2 * time.Millisecond,
		BackoffJitter: false,
	})
}

func TestExecutionTaskRunsSuccessfulCycle(t *testing.T) {
	agent := testAgentRecord()
	store := newFakeStore(agent)
	own := newFakeOwnership()
	lock := newFakeLock()
	runner := &fakeRunner{}

	w := newTestWorker(agent, store, own, lock, runner)
	if err := (executionTask{w}).Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runner.callCount() != 1 {
		t.Fatalf("expected the runner to be invoked once, got %d", runner.callCount())
	}
	if _, locked := lock.locked[agent.ID]; locked {
		t.Error("expected the execution lock to be released after the cycle")
	}
	if _, ok := store.lastCycleAt[agent.ID]; !ok {
		t.Error("expected a recorded cycle success")
	}
	if w.Stopped() {
		t.Error("a successful cycle should not request a stop")
	}
}

func TestExecutionTaskSkipsWhenLockUnavailable(t *testing.T) {
	agent := testAgentRecord()
	store := newFakeStore(agent)
	own := newFakeOwnership()
	lock := newFakeLock()
	lock.deny = true
	runner := &fakeRunner{}

	w := newTestWorker(agent, store, own, lock, runner)
	if err := (executionTask{w}).Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runner.callCount() != 0 {
		t.Error("expected the runner not to be invoked when the lock is held elsewhere")
	}
}

func TestExecutionTaskStopsOnPermanentError(t *testing.T) {
	agent := testAgentRecord()
	store := newFakeStore(agent)
	own := newFakeOwnership()
	lock := newFakeLock()
	runner := &fakeRunner{errs: []error{errors.New("401 unauthorized: invalid api key")}}

	w := newTestWorker(agent, store, own, lock, runner)
	_ = (executionTask{w}).Run(context.Background())

	if !w.Stopped() {
		t.Error("expected a permanent error to request a stop")
	}
	if store.errorMessages[agent.ID] == "" {
		t.Error("expected the agent to be marked with an error message")
	}
}

func TestExecutionTaskBacksOffOnTransientErrorWithoutStopping(t *testing.T) {
	agent := testAgentRecord()
	store := newFakeStore(agent)
	own := newFakeOwnership()
	lock := newFakeLock()
	runner := &fakeRunner{errs: []error{errors.New("connection timeout")}}

	w := newTestWorker(agent, store, own, lock, runner)
	_ = (executionTask{w}).Run(context.Background())

	if w.Stopped() {
		t.Error("a single transient error should not stop the worker")
	}
	if store.errorMessages[agent.ID] != "" {
		t.Error("a single transient error should not mark the agent as errored")
	}
}

func TestExecutionTaskStopsAfterErrorWindowTrips(t *testing.T) {
	agent := testAgentRecord()
	store := newFakeStore(agent)
	own := newFakeOwnership()
	lock := newFakeLock()

	cfg := AgentWorkerConfig{
		AgentID:              agent.ID,
		InstanceID:           "test-instance",
		Interval:             15 * time.Minute,
		Store:                store,
		Ownership:            own,
		ExecLock:             lock,
		MaxConsecutiveErrors: 2,
		ErrorWindow:          time.Minute,
		BackoffBase:          time.Millisecond,
		BackoffMax:           time.Millisecond,
	}
	runner := &fakeRunner{errs: []error{errors.New("timeout"), errors.New("timeout")}}
	cfg.Runner = runner
	w := NewAgentWorker(cfg)

	_ = (executionTask{w}).Run(context.Background())
	if w.Stopped() {
		t.Fatal("should not stop after only one transient error with a window of 2")
	}
	_ = (executionTask{w}).Run(context.Background())
	if !w.Stopped() {
		t.Error("expected the worker to stop once the error window trips")
	}
	if store.errorMessages[agent.ID] == "" {
		t.Error("expected a tripped error window to mark the agent errored")
	}
}

func TestExecutionTaskStopsWhenAgentNoLongerActive(t *testing.T) {
	agent := testAgentRecord()
	agent.Status = models.AgentPaused
	store := newFakeStore(agent)
	own := newFakeOwnership()
	lock := newFakeLock()
	runner := &fakeRunner{}

	w := newTestWorker(agent, store, own, lock, runner)
	_ = (executionTask{w}).Run(context.Background())

	if !w.Stopped() {
		t.Error("expected the worker to request a stop when the agent is no longer active")
	}
	if runner.callCount() != 0 {
		t.Error("expected the runner not to be invoked for an inactive agent")
	}
}

func TestOwnershipRefreshTaskStopsOnLoss(t *testing.T) {
	agent := testAgentRecord()
	store := newFakeStore(agent)
	own := newFakeOwnership()
	own.owner[agent.ID] = "someone-else"
	lock := newFakeLock()
	runner := &fakeRunner{}

	w := newTestWorker(agent, store, own, lock, runner)
	_ = (ownershipRefreshTask{w}).Run(context.Background())

	if !w.Stopped() {
		t.Error("expected losing ownership to request a stop")
	}
}

func TestHeartbeatTaskWritesHeartbeat(t *testing.T) {
	agent := testAgentRecord()
	store := newFakeStore(agent)
	own := newFakeOwnership()
	lock := newFakeLock()
	runner := &fakeRunner{}

	w := newTestWorker(agent, store, own, lock, runner)
	if err := (heartbeatTask{w}).Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.heartbeats[agent.ID] != "test-instance" {
		t.Error("expected the heartbeat to record this instance id")
	}
}

func TestAgentWorkerStopReleasesOwnershipAndClosesRunner(t *testing.T) {
	agent := testAgentRecord()
	store := newFakeStore(agent)
	own := newFakeOwnership()
	own.owner[agent.ID] = "test-instance"
	lock := newFakeLock()
	runner := &fakeRunner{}

	w := newTestWorker(agent, store, own, lock, runner)
	w.Start(context.Background())
	w.Stop(time.Second)

	if _, held := own.owner[agent.ID]; held {
		t.Error("expected ownership to be released on stop")
	}
	if !store.cleared[agent.ID] {
		t.Error("expected the heartbeat to be cleared on stop")
	}
	if !runner.closed {
		t.Error("expected the runner to be closed on stop")
	}
}
