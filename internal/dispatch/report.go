package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// ReportHandler renders the run input into a plain-text report artifact.
// Keys are emitted in sorted order so the artifact is deterministic for a
// given input.
func ReportHandler(_ context.Context, msg Message) HandlerResult {
	title, _ := msg.Input["title"].(string)
	if title == "" {
		title = "report"
	}

	keys := make([]string, 0, len(msg.Input))
	for k := range msg.Input {
		if k == "title" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, msg.Input[k])
	}

	return HandlerResult{
		Status: StatusCompleted,
		Output: map[string]any{"title": title, "fields": len(keys)},
		Events: []Event{
			{EventType: "report.rendered", Payload: map[string]any{"title": title}},
		},
		Artifacts: []Artifact{
			{Name: "report.txt", ContentType: "text/plain", Data: []byte(b.String())},
		},
	}
}
