package dispatch

import "context"

// PingHandler echoes input.message back and emits a single ping.pong event.
// It doubles as the end-to-end smoke test for the whole pipeline.
func PingHandler(_ context.Context, msg Message) HandlerResult {
	message, _ := msg.Input["message"].(string)
	return HandlerResult{
		Status: StatusCompleted,
		Output: map[string]any{"message": message},
		Events: []Event{
			{EventType: "ping.pong", Payload: map[string]any{"message": message}},
		},
	}
}
