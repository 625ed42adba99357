package dispatch

import (
	"context"
	"fmt"
	"log/slog"
)

// Dispatcher routes a message through the policy gate to its handler.
type Dispatcher struct {
	registry *Registry
	policy   *Policy
	logger   *slog.Logger
}

// NewDispatcher wires the immutable registry and policy gate.
func NewDispatcher(registry *Registry, policy *Policy, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: registry, policy: policy, logger: logger}
}

// Authorize runs only the policy gate, so callers can fail closed before
// mutating any run state.
func (d *Dispatcher) Authorize(agent, jobType string) error {
	return d.policy.AssertJobAllowed(agent, jobType)
}

// Dispatch gates, looks up, and invokes the handler for a message.
// A policy violation is returned as a typed error before any handler runs.
// A missing handler is a normal outcome: the failed result lets the worker
// durably record it instead of crashing the loop.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) (HandlerResult, error) {
	if err := d.policy.AssertJobAllowed(msg.Agent, msg.JobType); err != nil {
		return HandlerResult{}, err
	}

	handler, ok := d.registry.Get(msg.JobType)
	if !ok {
		d.logger.Warn("no handler for job type", "job_type", msg.JobType, "run_id", msg.RunID)
		return Failed(fmt.Sprintf("no handler for job_type %q", msg.JobType)), nil
	}

	return handler(ctx, msg), nil
}
