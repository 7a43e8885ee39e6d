package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mentormesh/core/pkg/database"
	"github.com/mentormesh/core/pkg/kv"
	"github.com/mentormesh/core/pkg/metrics"
)

var (
	// ErrLocked means another coordinator currently owns the saga.
	ErrLocked = errors.New("saga is locked by another coordinator")
	// ErrLockLost means the lease could not be renewed mid-run.
	ErrLockLost = errors.New("saga lock lost")
	// ErrUnknownType means no definition is registered for the type.
	ErrUnknownType = errors.New("unknown saga type")
	// ErrNoHandler means an action names an unregistered local handler.
	ErrNoHandler = errors.New("no handler for action")
	// ErrSagaFailed means a step exhausted its retries; compensation ran.
	ErrSagaFailed = errors.New("saga failed")
)

// Handler executes one local action. Handlers may read and write the
// saga context; they must be idempotent.
type Handler func(ctx context.Context, s *Saga, action Action) (json.RawMessage, error)

// Config tunes the executor.
type Config struct {
	// Lease is the ownership lock TTL, renewed on each step.
	Lease time.Duration `yaml:"lease"`
	// BaseBackoff seeds the retry delay: base doubled per attempt,
	// capped at MaxBackoff.
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	// StepTimeout bounds actions whose step declares no timeout.
	StepTimeout time.Duration `yaml:"step_timeout"`
	// ResumeInterval is the recovery scan period; ResumeAfter is how
	// stale a saga must be before the scan claims it.
	ResumeInterval time.Duration `yaml:"resume_interval"`
	ResumeAfter    time.Duration `yaml:"resume_after"`
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		Lease:          30 * time.Second,
		BaseBackoff:    500 * time.Millisecond,
		MaxBackoff:     time.Minute,
		StepTimeout:    10 * time.Second,
		ResumeInterval: 30 * time.Second,
		ResumeAfter:    2 * time.Minute,
	}
}

// Executor drives sagas step by step, persisting every transition and
// holding the per-saga ownership lock while it works.
type Executor struct {
	cfg     Config
	sagas   *database.SagaStore
	store   kv.Store
	http    *resty.Client
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu          sync.RWMutex
	definitions map[string]Definition
	handlers    map[string]Handler

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// NewExecutor wires the coordinator. metrics may be nil.
func NewExecutor(cfg Config, client *database.Client, store kv.Store, m *metrics.Metrics) *Executor {
	e := &Executor{
		cfg:         cfg,
		sagas:       client.Sagas,
		store:       store,
		http:        resty.New(),
		metrics:     m,
		logger:      slog.Default().With("component", "saga"),
		definitions: map[string]Definition{},
		handlers:    map[string]Handler{},
	}
	e.runCtx, e.runCancel = context.WithCancel(context.Background())
	return e
}

func lockKey(sagaID string) string { return "saga:" + sagaID }

// RegisterDefinition adds a saga template; later registrations replace
// earlier ones of the same type.
func (e *Executor) RegisterDefinition(d Definition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.definitions[d.Type] = d
}

// RegisterHandler binds a local action endpoint to its implementation.
func (e *Executor) RegisterHandler(endpoint string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[endpoint] = h
}

// NewSaga instantiates and persists a saga in the started state. The
// caller decides when to Run it.
func (e *Executor) NewSaga(ctx context.Context, sagaType string, initial map[string]any) (*Saga, error) {
	e.mu.RLock()
	def, ok := e.definitions[sagaType]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, sagaType)
	}
	s := def.New(initial)
	if err := e.persist(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Get loads one saga by id.
func (e *Executor) Get(ctx context.Context, id string) (*Saga, error) {
	row, err := e.sagas.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return fromRow(row)
}

// Start launches the crash-recovery scan loop.
func (e *Executor) Start(_ context.Context) error {
	e.wg.Add(1)
	go e.resumeLoop()
	e.logger.Info("Saga executor started",
		"resume_interval", e.cfg.ResumeInterval, "lease", e.cfg.Lease)
	return nil
}

// Stop cancels in-flight runs and waits for them to park. Interrupted
// sagas keep their persisted progress and are resumed by the next scan.
func (e *Executor) Stop() {
	e.runCancel()
	e.wg.Wait()
}

// RunAsync drives the saga on the executor's own lifecycle, so a
// shutdown parks it for later resumption instead of abandoning it.
func (e *Executor) RunAsync(s *Saga) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.Run(e.runCtx, s); err != nil &&
			!errors.Is(err, ErrLocked) && !errors.Is(err, context.Canceled) {
			e.logger.Error("Saga run failed", "saga_id", s.ID, "type", s.Type, "error", err)
		}
	}()
}

// Run executes the saga to a final status under the ownership lock.
// A cancelled context parks the saga where it stands; the recovery
// scan picks it up once the lock lease lapses.
func (e *Executor) Run(ctx context.Context, s *Saga) error {
	token, acquired, err := e.store.TryLock(ctx, lockKey(s.ID), e.cfg.Lease)
	if err != nil {
		return fmt.Errorf("acquire saga lock: %w", err)
	}
	if !acquired {
		return ErrLocked
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := e.store.Unlock(unlockCtx, lockKey(s.ID), token); err != nil {
			e.logger.Warn("Saga unlock failed", "saga_id", s.ID, "error", err)
		}
	}()
	return e.drive(ctx, s, token)
}

func (e *Executor) drive(ctx context.Context, s *Saga, token string) error {
	// Resume paths: a saga that already failed goes straight back to
	// its unfinished compensation.
	if s.Status == StatusFailed || s.Status == StatusCompensating {
		return e.compensate(ctx, s, token)
	}
	if s.Status.Terminal() {
		return nil
	}
	if s.Status == StatusStarted {
		s.Status = StatusInProgress
		if err := e.persist(ctx, s); err != nil {
			return err
		}
	}

	for s.CurrentStep < len(s.Steps) {
		step := &s.Steps[s.CurrentStep]
		for {
			if err := e.renew(ctx, s.ID, token); err != nil {
				return err
			}
			step.Status = StepInProgress
			if err := e.persist(ctx, s); err != nil {
				return err
			}

			out, err := e.invoke(ctx, s, step.Action, step.TimeoutSec)
			if err == nil {
				step.Status = StepCompleted
				e.storeResponse(s, step.Name, out)
				s.CurrentStep++
				if err := e.persist(ctx, s); err != nil {
					return err
				}
				e.logger.Debug("Saga step completed",
					"saga_id", s.ID, "step", step.Name, "retries", step.RetryCount)
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if step.RetryCount >= step.MaxRetries {
				step.Status = StepFailed
				s.Status = StatusFailed
				s.LastError = fmt.Sprintf("step %s: %v", step.Name, err)
				if perr := e.persist(ctx, s); perr != nil {
					return perr
				}
				e.logger.Warn("Saga step exhausted retries, compensating",
					"saga_id", s.ID, "step", step.Name, "retries", step.RetryCount, "error", err)
				if cerr := e.compensate(ctx, s, token); cerr != nil {
					return cerr
				}
				return fmt.Errorf("%w: step %s: %v", ErrSagaFailed, step.Name, err)
			}

			delay := e.backoff(step.RetryCount)
			step.RetryCount++
			e.metrics.RecordSagaRetry()
			if perr := e.persist(ctx, s); perr != nil {
				return perr
			}
			e.logger.Debug("Saga step retrying",
				"saga_id", s.ID, "step", step.Name, "attempt", step.RetryCount, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	now := time.Now().UTC()
	s.Status = StatusCompleted
	s.CompletedAt = &now
	if err := e.persist(ctx, s); err != nil {
		return err
	}
	e.metrics.RecordSaga(s.Type, "completed")
	e.logger.Info("Saga completed", "saga_id", s.ID, "type", s.Type, "steps", len(s.Steps))
	return nil
}

// compensate walks completed steps in reverse order, invoking each
// compensation with its own retry budget. Individual compensation
// failures are logged and do not stop the walk.
func (e *Executor) compensate(ctx context.Context, s *Saga, token string) error {
	if s.Status != StatusCompensating {
		s.Status = StatusCompensating
		if err := e.persist(ctx, s); err != nil {
			return err
		}
	}

	for i := len(s.Steps) - 1; i >= 0; i-- {
		step := &s.Steps[i]
		if step.Status != StepCompleted || step.Compensation == nil {
			continue
		}
		if err := e.renew(ctx, s.ID, token); err != nil {
			return err
		}

		compensated := false
		for attempt := 0; attempt <= step.MaxRetries; attempt++ {
			if attempt > 0 {
				select {
				case <-time.After(e.backoff(attempt - 1)):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if _, err := e.invoke(ctx, s, *step.Compensation, step.TimeoutSec); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				e.logger.Warn("Compensation attempt failed",
					"saga_id", s.ID, "step", step.Name, "attempt", attempt, "error", err)
				continue
			}
			compensated = true
			break
		}
		if compensated {
			step.Status = StepCompensated
		} else {
			e.logger.Error("Compensation exhausted retries, moving on",
				"saga_id", s.ID, "step", step.Name)
		}
		if err := e.persist(ctx, s); err != nil {
			e.logger.Warn("Saga persist failed during compensation",
				"saga_id", s.ID, "error", err)
		}
	}

	now := time.Now().UTC()
	s.Status = StatusCompensated
	s.CompletedAt = &now
	if err := e.persist(ctx, s); err != nil {
		return err
	}
	e.metrics.RecordSaga(s.Type, "compensated")
	e.logger.Info("Saga compensated", "saga_id", s.ID, "type", s.Type)
	return nil
}

// invoke runs one action: HTTP for http(s) endpoints, otherwise a
// registered local handler.
func (e *Executor) invoke(ctx context.Context, s *Saga, a Action, timeoutSec int) (json.RawMessage, error) {
	timeout := e.cfg.StepTimeout
	if timeoutSec > 0 {
		timeout = time.Duration(timeoutSec) * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if strings.HasPrefix(a.Endpoint, "http://") || strings.HasPrefix(a.Endpoint, "https://") {
		method := a.Method
		if method == "" {
			method = http.MethodPost
		}
		resp, err := e.http.R().SetContext(callCtx).SetBody(a.Payload).Execute(method, a.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("call %s: %w", a.Endpoint, err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("call %s: status %d", a.Endpoint, resp.StatusCode())
		}
		return resp.Body(), nil
	}

	e.mu.RLock()
	h, ok := e.handlers[a.Endpoint]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, a.Endpoint)
	}
	return h(callCtx, s, a)
}

// storeResponse records a step response in the saga context when the
// action produced one.
func (e *Executor) storeResponse(s *Saga, stepName string, out json.RawMessage) {
	if len(out) == 0 {
		return
	}
	key := "step_" + stepName + "_response"
	if json.Valid(out) {
		s.Context[key] = out
		return
	}
	s.Context[key] = string(out)
}

func (e *Executor) backoff(retryCount int) time.Duration {
	delay := e.cfg.BaseBackoff
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= e.cfg.MaxBackoff {
			return e.cfg.MaxBackoff
		}
	}
	return delay
}

func (e *Executor) renew(ctx context.Context, sagaID, token string) error {
	held, err := e.store.Renew(ctx, lockKey(sagaID), token, e.cfg.Lease)
	if err != nil {
		return fmt.Errorf("renew saga lock: %w", err)
	}
	if !held {
		return ErrLockLost
	}
	return nil
}

func (e *Executor) persist(ctx context.Context, s *Saga) error {
	s.UpdatedAt = time.Now().UTC()
	row, err := s.toRow()
	if err != nil {
		return err
	}
	if err := e.sagas.Save(ctx, row); err != nil {
		return fmt.Errorf("persist saga %s: %w", s.ID, err)
	}
	return nil
}

func (e *Executor) resumeLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.ResumeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.runCtx.Done():
			return
		case <-ticker.C:
			e.resumeOnce(e.runCtx)
		}
	}
}

// resumeOnce claims stale non-final sagas whose lock is free and drives
// them to completion or compensation.
func (e *Executor) resumeOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-e.cfg.ResumeAfter)
	rows, err := e.sagas.ListResumable(ctx, cutoff)
	if err != nil {
		e.logger.Warn("Resume scan failed", "error", err)
		return
	}
	for _, row := range rows {
		s, err := fromRow(row)
		if err != nil {
			e.logger.Error("Skipping undecodable saga", "saga_id", row.ID, "error", err)
			continue
		}
		err = e.Run(ctx, s)
		switch {
		case err == nil:
			e.logger.Info("Resumed saga finished", "saga_id", s.ID, "status", s.Status)
		case errors.Is(err, ErrLocked):
			// Another coordinator got there first.
		case errors.Is(err, context.Canceled):
			return
		default:
			e.logger.Warn("Resumed saga failed", "saga_id", s.ID, "error", err)
		}
	}
}
