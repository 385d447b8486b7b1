// Package actions routes model-initiated action requests to registered
// executors. Dispatch is asynchronous so the session event loop never blocks
// on a slow action: each request runs on its own goroutine with a bounded
// deadline and answers on a dedicated result channel, correlated by the
// request id.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrel-voice/kestrel/internal/observe"
	"github.com/kestrel-voice/kestrel/pkg/provider/realtime"
)

// Executor runs one named action. Implementations must respect context
// cancellation and return the result as a JSON string.
type Executor interface {
	Execute(ctx context.Context, name, arguments string) (string, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, name, arguments string) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, name, arguments string) (string, error) {
	return f(ctx, name, arguments)
}

type registration struct {
	def  realtime.ActionDefinition
	exec Executor
}

// Dispatcher holds the action registry and runs requests.
type Dispatcher struct {
	timeout time.Duration
	log     *slog.Logger
	metrics *observe.Metrics

	mu       sync.RWMutex
	registry map[string]registration
}

// NewDispatcher creates an empty dispatcher. Timeout bounds each execution;
// metrics may be nil in tests.
func NewDispatcher(timeout time.Duration, metrics *observe.Metrics, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		timeout:  timeout,
		log:      log,
		metrics:  metrics,
		registry: make(map[string]registration),
	}
}

// Register binds an executor to an action definition. Registering the same
// name twice returns an error; action names are a fixed contract with the
// model.
func (d *Dispatcher) Register(def realtime.ActionDefinition, exec Executor) error {
	if def.Name == "" {
		return errors.New("actions: register: empty action name")
	}
	if exec == nil {
		return fmt.Errorf("actions: register %q: nil executor", def.Name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.registry[def.Name]; exists {
		return fmt.Errorf("actions: register %q: already registered", def.Name)
	}
	d.registry[def.Name] = registration{def: def, exec: exec}
	return nil
}

// Definitions returns every registered action definition for advertising to
// the model.
func (d *Dispatcher) Definitions() []realtime.ActionDefinition {
	d.mu.RLock()
	defer d.mu.RUnlock()
	defs := make([]realtime.ActionDefinition, 0, len(d.registry))
	for _, reg := range d.registry {
		defs = append(defs, reg.def)
	}
	return defs
}

// Dispatch starts the request asynchronously and returns a channel that
// delivers exactly one result. An unregistered name and an expired deadline
// both produce typed failures rather than errors; the caller always gets an
// answer to forward to the model.
func (d *Dispatcher) Dispatch(ctx context.Context, req realtime.ActionRequest) <-chan realtime.ActionResult {
	out := make(chan realtime.ActionResult, 1)

	d.mu.RLock()
	reg, ok := d.registry[req.Name]
	d.mu.RUnlock()

	if !ok {
		d.log.Warn("action not registered", "action", req.Name, "id", req.ID)
		d.record(ctx, req.Name, "unknown")
		out <- realtime.ActionResult{
			ID:   req.ID,
			Name: req.Name,
			Failure: &realtime.Failure{
				Kind:    realtime.FailureUnknownAction,
				Message: fmt.Sprintf("no action named %q", req.Name),
			},
		}
		return out
	}

	go func() {
		execCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()

		ctx, span := observe.StartSpan(ctx, "action "+req.Name)
		defer span.End()

		start := time.Now()
		output, err := reg.exec.Execute(execCtx, req.Name, req.Arguments)
		elapsed := time.Since(start)

		if d.metrics != nil {
			d.metrics.ActionDuration.Record(ctx, elapsed.Seconds())
		}

		res := realtime.ActionResult{ID: req.ID, Name: req.Name}
		switch {
		case err != nil && execCtx.Err() == context.DeadlineExceeded:
			d.log.Warn("action timed out", "action", req.Name, "id", req.ID, "after", elapsed)
			d.record(ctx, req.Name, "timeout")
			res.Failure = &realtime.Failure{
				Kind:    realtime.FailureTimeout,
				Message: fmt.Sprintf("action %q exceeded %s", req.Name, d.timeout),
			}
		case err != nil:
			d.log.Error("action failed", "action", req.Name, "id", req.ID, "error", err)
			d.record(ctx, req.Name, "error")
			res.Failure = &realtime.Failure{
				Kind:    realtime.FailureExecution,
				Message: err.Error(),
			}
		default:
			d.log.Debug("action completed", "action", req.Name, "id", req.ID, "duration", elapsed)
			d.record(ctx, req.Name, "ok")
			res.Output = output
		}
		out <- res
	}()

	return out
}

func (d *Dispatcher) record(ctx context.Context, action, status string) {
	if d.metrics != nil {
		d.metrics.RecordActionCall(ctx, action, status)
	}
}
