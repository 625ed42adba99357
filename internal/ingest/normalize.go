// Package ingest turns raw webhook deliveries into canonical work items via
// a two-stage pipeline: an append-only delivery ledger keyed by the
// provider's delivery id, then a normalization queue whose processor
// merge-upserts the parsed record. Signature verification happens upstream;
// everything here consumes already-authenticated payloads.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"run-orchestrator/internal/models"
)

var ErrUnknownSource = errors.New("unknown ingest source")

// WorkItemRef builds the source-qualified reference. Embedding source and
// project means issue #7 from two different repositories never collides.
func WorkItemRef(source, project, externalID string) string {
	return fmt.Sprintf("%s:%s#%s", source, project, externalID)
}

// Normalize parses one delivery payload into its canonical WorkItem.
func Normalize(source string, payload []byte) (models.WorkItem, error) {
	switch strings.ToLower(source) {
	case "github":
		return normalizeGitHub(payload)
	case "generic":
		return normalizeGeneric(source, payload)
	default:
		return models.WorkItem{}, fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
}

type githubIssuePayload struct {
	Issue struct {
		Number   int    `json:"number"`
		Title    string `json:"title"`
		State    string `json:"state"`
		Assignee *struct {
			Login string `json:"login"`
		} `json:"assignee"`
		UpdatedAt time.Time `json:"updated_at"`
	} `json:"issue"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

func normalizeGitHub(payload []byte) (models.WorkItem, error) {
	var p githubIssuePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return models.WorkItem{}, fmt.Errorf("decode github payload: %w", err)
	}
	if p.Issue.Number == 0 {
		return models.WorkItem{}, errors.New("github payload has no issue number")
	}
	if p.Repository.FullName == "" {
		return models.WorkItem{}, errors.New("github payload has no repository")
	}

	externalID := fmt.Sprintf("%d", p.Issue.Number)
	wi := models.WorkItem{
		Ref:        WorkItemRef("github", p.Repository.FullName, externalID),
		System:     "github",
		ExternalID: externalID,
		Project:    p.Repository.FullName,
		Title:      p.Issue.Title,
		State:      p.Issue.State,
		UpdatedAt:  p.Issue.UpdatedAt,
	}
	if p.Issue.Assignee != nil && p.Issue.Assignee.Login != "" {
		login := p.Issue.Assignee.Login
		wi.Assignee = &login
	}
	if wi.UpdatedAt.IsZero() {
		wi.UpdatedAt = time.Now().UTC()
	}
	return wi, nil
}

type genericPayload struct {
	ExternalID string    `json:"external_id"`
	Project    string    `json:"project"`
	Title      string    `json:"title"`
	State      string    `json:"state"`
	Assignee   string    `json:"assignee"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func normalizeGeneric(source string, payload []byte) (models.WorkItem, error) {
	var p genericPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return models.WorkItem{}, fmt.Errorf("decode payload: %w", err)
	}
	if p.ExternalID == "" || p.Project == "" {
		return models.WorkItem{}, errors.New("payload requires external_id and project")
	}
	wi := models.WorkItem{
		Ref:        WorkItemRef(source, p.Project, p.ExternalID),
		System:     source,
		ExternalID: p.ExternalID,
		Project:    p.Project,
		Title:      p.Title,
		State:      p.State,
		UpdatedAt:  p.UpdatedAt,
	}
	if p.Assignee != "" {
		wi.Assignee = &p.Assignee
	}
	if wi.UpdatedAt.IsZero() {
		wi.UpdatedAt = time.Now().UTC()
	}
	return wi, nil
}
