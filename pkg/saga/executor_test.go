package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mentormesh/core/pkg/kv"
	testdb "github.com/mentormesh/core/test/database"
)

func setupExecutor(t *testing.T, mutate func(*Config)) (*Executor, kv.Store) {
	t.Helper()
	client := testdb.NewTestClient(t)
	mr := miniredis.RunT(t)
	kvCfg := kv.DefaultConfig()
	kvCfg.Addr = mr.Addr()
	store, err := kv.NewRedis(context.Background(), kvCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := DefaultConfig()
	cfg.BaseBackoff = 5 * time.Millisecond
	cfg.MaxBackoff = 50 * time.Millisecond
	cfg.StepTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	e := NewExecutor(cfg, client, store, nil)
	t.Cleanup(e.Stop)
	return e, store
}

// callLog records handler invocations across steps.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
}

func (l *callLog) count(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func okHandler(log *callLog, name string) Handler {
	return func(_ context.Context, _ *Saga, _ Action) (json.RawMessage, error) {
		log.add(name)
		return json.RawMessage(fmt.Sprintf(`{"step":%q}`, name)), nil
	}
}

func failingHandler(log *callLog, name string) Handler {
	return func(_ context.Context, _ *Saga, _ Action) (json.RawMessage, error) {
		log.add(name)
		return nil, errors.New("boom")
	}
}

func step(name, endpoint string, maxRetries int, compensation string) Step {
	s := Step{
		Name:       name,
		Action:     Action{Endpoint: endpoint},
		MaxRetries: maxRetries,
	}
	if compensation != "" {
		s.Compensation = &Action{Endpoint: compensation}
	}
	return s
}

func TestExecutor_RunCompletesAllSteps(t *testing.T) {
	e, store := setupExecutor(t, nil)
	log := &callLog{}
	e.RegisterHandler("one", okHandler(log, "one"))
	e.RegisterHandler("two", okHandler(log, "two"))
	e.RegisterHandler("three", okHandler(log, "three"))
	e.RegisterDefinition(Definition{Type: "triple", Steps: []Step{
		step("first", "one", 2, "undo_one"),
		step("second", "two", 2, "undo_two"),
		step("third", "three", 2, ""),
	}})
	ctx := context.Background()

	s, err := e.NewSaga(ctx, "triple", map[string]any{"who": "tester"})
	require.NoError(t, err)
	require.NoError(t, e.Run(ctx, s))

	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, []string{"one", "two", "three"}, log.all())
	for _, st := range s.Steps {
		assert.Equal(t, StepCompleted, st.Status)
		assert.Zero(t, st.RetryCount)
	}
	require.NotNil(t, s.CompletedAt)

	// Every transition was persisted; the stored copy matches.
	stored, err := e.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.Equal(t, 3, stored.CurrentStep)
	assert.Contains(t, stored.Context, "step_first_response")
	assert.Contains(t, stored.Context, "step_third_response")
	assert.Equal(t, "tester", stored.ContextString("who"))

	// The ownership lock was released.
	_, acquired, err := store.TryLock(ctx, lockKey(s.ID), time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestExecutor_FailureCompensatesCompletedStepsInReverse(t *testing.T) {
	e, _ := setupExecutor(t, nil)
	log := &callLog{}
	e.RegisterHandler("hold", okHandler(log, "hold"))
	e.RegisterHandler("create", failingHandler(log, "create"))
	e.RegisterHandler("notify", okHandler(log, "notify"))
	e.RegisterHandler("release", okHandler(log, "release"))
	e.RegisterHandler("cancel", okHandler(log, "cancel"))
	e.RegisterDefinition(Definition{Type: "booking", Steps: []Step{
		step("hold_escrow", "hold", 1, "release"),
		step("create_session", "create", 2, "cancel"),
		step("notify_parties", "notify", 1, ""),
	}})
	ctx := context.Background()

	s, err := e.NewSaga(ctx, "booking", nil)
	require.NoError(t, err)
	err = e.Run(ctx, s)
	assert.ErrorIs(t, err, ErrSagaFailed)

	assert.Equal(t, StatusCompensated, s.Status)
	assert.Equal(t, 3, log.count("create"), "initial attempt plus two retries")
	assert.Equal(t, 1, log.count("release"), "completed step is compensated")
	assert.Zero(t, log.count("cancel"), "failed step is never compensated")
	assert.Zero(t, log.count("notify"), "steps after the failure never run")

	assert.Equal(t, StepCompensated, s.Steps[0].Status)
	assert.Equal(t, StepFailed, s.Steps[1].Status)
	assert.Equal(t, StepPending, s.Steps[2].Status)
	assert.Contains(t, s.LastError, "create_session")
}

func TestExecutor_RetriesThenSucceeds(t *testing.T) {
	e, _ := setupExecutor(t, nil)
	log := &callLog{}
	var mu sync.Mutex
	failures := 2
	e.RegisterHandler("flaky", func(_ context.Context, _ *Saga, _ Action) (json.RawMessage, error) {
		log.add("flaky")
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return nil, errors.New("transient")
		}
		return nil, nil
	})
	e.RegisterDefinition(Definition{Type: "flaky", Steps: []Step{step("only", "flaky", 3, "")}})
	ctx := context.Background()

	s, err := e.NewSaga(ctx, "flaky", nil)
	require.NoError(t, err)
	require.NoError(t, e.Run(ctx, s))

	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, 3, log.count("flaky"))
	assert.Equal(t, 2, s.Steps[0].RetryCount)
	// No response stored for an empty action result.
	assert.NotContains(t, s.Context, "step_only_response")
}

func TestExecutor_LockExcludesConcurrentCoordinators(t *testing.T) {
	e, store := setupExecutor(t, nil)
	log := &callLog{}
	e.RegisterHandler("ok", okHandler(log, "ok"))
	e.RegisterDefinition(Definition{Type: "single", Steps: []Step{step("only", "ok", 0, "")}})
	ctx := context.Background()

	s, err := e.NewSaga(ctx, "single", nil)
	require.NoError(t, err)

	_, acquired, err := store.TryLock(ctx, lockKey(s.ID), time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	assert.ErrorIs(t, e.Run(ctx, s), ErrLocked)
	assert.Zero(t, log.count("ok"))
}

func TestExecutor_ResumeSkipsCompletedSteps(t *testing.T) {
	e, _ := setupExecutor(t, nil)
	log := &callLog{}
	e.RegisterHandler("one", okHandler(log, "one"))
	e.RegisterHandler("two", okHandler(log, "two"))
	e.RegisterDefinition(Definition{Type: "pair", Steps: []Step{
		step("first", "one", 1, ""),
		step("second", "two", 1, ""),
	}})
	ctx := context.Background()

	// Persist a saga as a crashed coordinator would have left it: first
	// step done, second pending.
	s, err := e.NewSaga(ctx, "pair", nil)
	require.NoError(t, err)
	s.Status = StatusInProgress
	s.Steps[0].Status = StepCompleted
	s.CurrentStep = 1
	require.NoError(t, e.persist(ctx, s))

	resumed, err := e.Get(ctx, s.ID)
	require.NoError(t, err)
	require.NoError(t, e.Run(ctx, resumed))

	assert.Equal(t, StatusCompleted, resumed.Status)
	assert.Zero(t, log.count("one"), "completed work is not repeated")
	assert.Equal(t, 1, log.count("two"))
}

func TestExecutor_ResumeScanClaimsStaleSagas(t *testing.T) {
	e, _ := setupExecutor(t, func(cfg *Config) { cfg.ResumeAfter = time.Minute })
	log := &callLog{}
	e.RegisterHandler("ok", okHandler(log, "ok"))
	e.RegisterDefinition(Definition{Type: "stale", Steps: []Step{step("only", "ok", 1, "")}})
	ctx := context.Background()

	s, err := e.NewSaga(ctx, "stale", nil)
	require.NoError(t, err)

	// Backdate the row past the resume threshold.
	row, err := s.toRow()
	require.NoError(t, err)
	row.UpdatedAt = time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, e.sagas.Save(ctx, row))

	e.resumeOnce(ctx)

	assert.Equal(t, 1, log.count("ok"))
	stored, err := e.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
}

func TestExecutor_ResumeFinishesInterruptedCompensation(t *testing.T) {
	e, _ := setupExecutor(t, nil)
	log := &callLog{}
	e.RegisterHandler("one", okHandler(log, "one"))
	e.RegisterHandler("undo_one", okHandler(log, "undo_one"))
	e.RegisterHandler("two", failingHandler(log, "two"))
	e.RegisterDefinition(Definition{Type: "comp", Steps: []Step{
		step("first", "one", 0, "undo_one"),
		step("second", "two", 0, ""),
	}})
	ctx := context.Background()

	// A coordinator that died right after persisting the failure leaves
	// the saga failed with nothing compensated yet.
	s, err := e.NewSaga(ctx, "comp", nil)
	require.NoError(t, err)
	s.Status = StatusFailed
	s.LastError = "step second: boom"
	s.Steps[0].Status = StepCompleted
	s.Steps[1].Status = StepFailed
	s.CurrentStep = 1
	require.NoError(t, e.persist(ctx, s))

	resumed, err := e.Get(ctx, s.ID)
	require.NoError(t, err)
	require.NoError(t, e.Run(ctx, resumed))

	assert.Equal(t, StatusCompensated, resumed.Status)
	assert.Equal(t, StepCompensated, resumed.Steps[0].Status)
	assert.Equal(t, 1, log.count("undo_one"))
	assert.Zero(t, log.count("one"))
	assert.Zero(t, log.count("two"))
}

func TestExecutor_CompensationFailureDoesNotBlockSiblings(t *testing.T) {
	e, _ := setupExecutor(t, nil)
	log := &callLog{}
	e.RegisterHandler("a", okHandler(log, "a"))
	e.RegisterHandler("b", okHandler(log, "b"))
	e.RegisterHandler("c", failingHandler(log, "c"))
	e.RegisterHandler("undo_a", okHandler(log, "undo_a"))
	e.RegisterHandler("undo_b", failingHandler(log, "undo_b"))
	e.RegisterDefinition(Definition{Type: "partial", Steps: []Step{
		step("alpha", "a", 0, "undo_a"),
		step("beta", "b", 1, "undo_b"),
		step("gamma", "c", 0, ""),
	}})
	ctx := context.Background()

	s, err := e.NewSaga(ctx, "partial", nil)
	require.NoError(t, err)
	err = e.Run(ctx, s)
	assert.ErrorIs(t, err, ErrSagaFailed)

	assert.Equal(t, StatusCompensated, s.Status, "best-effort compensation still finishes")
	assert.Equal(t, 2, log.count("undo_b"), "compensation gets its own retry budget")
	assert.Equal(t, 1, log.count("undo_a"), "later failure does not skip earlier compensations")
	assert.Equal(t, StepCompensated, s.Steps[0].Status)
	assert.Equal(t, StepCompleted, s.Steps[1].Status, "uncompensated step keeps its completed status")
}

func TestExecutor_HTTPStepStoresResponse(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]string{"receipt": "r-77"})
	}))
	defer srv.Close()

	e, _ := setupExecutor(t, nil)
	e.RegisterDefinition(Definition{Type: "remote", Steps: []Step{{
		Name:       "invoice",
		Action:     Action{Endpoint: srv.URL, Payload: map[string]any{"amount": 42.0}},
		MaxRetries: 1,
	}}})
	ctx := context.Background()

	s, err := e.NewSaga(ctx, "remote", nil)
	require.NoError(t, err)
	require.NoError(t, e.Run(ctx, s))

	assert.Equal(t, map[string]any{"amount": 42.0}, got)
	stored, err := e.Get(ctx, s.ID)
	require.NoError(t, err)
	resp, ok := stored.Context["step_invoice_response"].(map[string]any)
	require.True(t, ok, "JSON response round-trips through persistence")
	assert.Equal(t, "r-77", resp["receipt"])
}

func TestExecutor_UnknownTypeAndHandler(t *testing.T) {
	e, _ := setupExecutor(t, nil)
	ctx := context.Background()

	_, err := e.NewSaga(ctx, "nope", nil)
	assert.ErrorIs(t, err, ErrUnknownType)

	e.RegisterDefinition(Definition{Type: "orphan", Steps: []Step{step("only", "missing", 0, "")}})
	s, err := e.NewSaga(ctx, "orphan", nil)
	require.NoError(t, err)
	err = e.Run(ctx, s)
	assert.ErrorIs(t, err, ErrSagaFailed)
	assert.Contains(t, s.LastError, "no handler")
}

func TestExecutor_Backoff(t *testing.T) {
	e := &Executor{cfg: Config{BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}}
	assert.Equal(t, 100*time.Millisecond, e.backoff(0))
	assert.Equal(t, 200*time.Millisecond, e.backoff(1))
	assert.Equal(t, 400*time.Millisecond, e.backoff(2))
	assert.Equal(t, 800*time.Millisecond, e.backoff(3))
	assert.Equal(t, time.Second, e.backoff(4), "capped")
	assert.Equal(t, time.Second, e.backoff(20), "cap holds for deep retries")
}
