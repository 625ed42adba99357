package dispatch

import "fmt"

// PolicyViolationError means the agent is not authorized for the job type.
// The gate fails closed: unknown agents are denied.
type PolicyViolationError struct {
	Agent   string
	JobType string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("policy violation: agent %q is not allowed to run job type %q", e.Agent, e.JobType)
}

// Policy is a static agent → allowed job types map.
type Policy struct {
	allowed map[string]map[string]struct{}
}

// NewPolicy builds the gate from an allowlist.
func NewPolicy(allowlist map[string][]string) *Policy {
	allowed := make(map[string]map[string]struct{}, len(allowlist))
	for agent, jobTypes := range allowlist {
		set := make(map[string]struct{}, len(jobTypes))
		for _, jt := range jobTypes {
			set[jt] = struct{}{}
		}
		allowed[agent] = set
	}
	return &Policy{allowed: allowed}
}

// DefaultAllowlist is the static agent → job type authorization used by
// both binaries. Changing it requires a deploy on purpose: the gate is
// configuration-as-code, not a runtime toggle.
func DefaultAllowlist() map[string][]string {
	return map[string][]string{
		"ping-agent":   {"ping"},
		"report-agent": {"report.generate", "report.export"},
		"sync-agent":   {"worklog.sync"},
	}
}

// AssertJobAllowed returns a PolicyViolationError unless the agent is
// explicitly allowed to run the job type.
func (p *Policy) AssertJobAllowed(agent, jobType string) error {
	if set, ok := p.allowed[agent]; ok {
		if _, ok := set[jobType]; ok {
			return nil
		}
	}
	return &PolicyViolationError{Agent: agent, JobType: jobType}
}
