package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() *Policy {
	return NewPolicy(map[string][]string{
		"ping-agent": {"ping"},
	})
}

func TestDispatchPolicyViolationSkipsHandler(t *testing.T) {
	invoked := false
	registry := NewRegistry(map[string]Handler{
		"ping": func(context.Context, Message) HandlerResult {
			invoked = true
			return HandlerResult{Status: StatusCompleted}
		},
	})
	d := NewDispatcher(registry, testPolicy(), nil)

	_, err := d.Dispatch(context.Background(), Message{
		RunID:   "r1",
		JobType: "ping",
		Agent:   "rogue-agent",
	})

	var violation *PolicyViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "rogue-agent", violation.Agent)
	assert.Equal(t, "ping", violation.JobType)
	assert.False(t, invoked, "handler must never run for a denied agent")
}

func TestDispatchUnknownAgentFailsClosed(t *testing.T) {
	d := NewDispatcher(NewRegistry(nil), testPolicy(), nil)

	_, err := d.Dispatch(context.Background(), Message{
		JobType: "ping",
		Agent:   "never-registered",
	})
	require.Error(t, err)

	// An allowed agent asking for a job outside its list is denied too.
	_, err = d.Dispatch(context.Background(), Message{
		JobType: "report.generate",
		Agent:   "ping-agent",
	})
	require.Error(t, err)
}

func TestDispatchMissingHandlerReturnsFailedResult(t *testing.T) {
	policy := NewPolicy(map[string][]string{"ping-agent": {"vanished"}})
	d := NewDispatcher(NewRegistry(nil), policy, nil)

	result, err := d.Dispatch(context.Background(), Message{
		JobType: "vanished",
		Agent:   "ping-agent",
	})

	require.NoError(t, err, "missing handler is a normal failed outcome, not a dispatch error")
	assert.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.Error, "vanished")
}

func TestAuthorize(t *testing.T) {
	d := NewDispatcher(NewRegistry(nil), testPolicy(), nil)

	require.NoError(t, d.Authorize("ping-agent", "ping"))

	err := d.Authorize("ping-agent", "report.generate")
	var violation *PolicyViolationError
	require.ErrorAs(t, err, &violation)
}

func TestRegistryCopiesInput(t *testing.T) {
	handlers := map[string]Handler{
		"ping": PingHandler,
	}
	registry := NewRegistry(handlers)

	handlers["injected"] = PingHandler
	delete(handlers, "ping")

	_, ok := registry.Get("injected")
	assert.False(t, ok, "mutating the source map must not change routing")
	_, ok = registry.Get("ping")
	assert.True(t, ok)
}

func TestRegistrySkipsNilAndEmpty(t *testing.T) {
	registry := NewRegistry(map[string]Handler{
		"":     PingHandler,
		"noop": nil,
		"ping": PingHandler,
	})
	assert.Equal(t, []string{"ping"}, registry.JobTypes())
}

func TestPingHandler(t *testing.T) {
	result := PingHandler(context.Background(), Message{
		RunID:   "r1",
		JobType: "ping",
		Input:   map[string]any{"message": "hello"},
	})

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, "hello", result.Output["message"])
	require.Len(t, result.Events, 1)
	assert.Equal(t, "ping.pong", result.Events[0].EventType)
}

func TestReportHandlerDeterministicArtifact(t *testing.T) {
	msg := Message{
		RunID:   "r1",
		JobType: "report.generate",
		Input: map[string]any{
			"title": "weekly",
			"b":     2,
			"a":     1,
		},
	}

	first := ReportHandler(context.Background(), msg)
	second := ReportHandler(context.Background(), msg)

	require.Equal(t, StatusCompleted, first.Status)
	require.Len(t, first.Artifacts, 1)
	assert.Equal(t, "report.txt", first.Artifacts[0].Name)
	assert.Equal(t, first.Artifacts[0].Data, second.Artifacts[0].Data)
	assert.Contains(t, string(first.Artifacts[0].Data), "# weekly")
	assert.Contains(t, string(first.Artifacts[0].Data), "a: 1")
}

func TestPolicyViolationErrorMessage(t *testing.T) {
	err := testPolicy().AssertJobAllowed("rogue", "ping")
	require.Error(t, err)
	assert.True(t, errors.As(err, new(*PolicyViolationError)))
	assert.Contains(t, err.Error(), "rogue")
	assert.Contains(t, err.Error(), "ping")
}
