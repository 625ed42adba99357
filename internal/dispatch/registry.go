package dispatch

// Registry is an immutable job-type → handler map, constructed once at
// process start and injected into the dispatcher.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry copies the given map so later mutation of the argument cannot
// change routing.
func NewRegistry(handlers map[string]Handler) *Registry {
	copied := make(map[string]Handler, len(handlers))
	for jobType, h := range handlers {
		if jobType == "" || h == nil {
			continue
		}
		copied[jobType] = h
	}
	return &Registry{handlers: copied}
}

// Get looks up the handler for a job type.
func (r *Registry) Get(jobType string) (Handler, bool) {
	h, ok := r.handlers[jobType]
	return h, ok
}

// JobTypes lists registered types, mainly for logging at startup.
func (r *Registry) JobTypes() []string {
	out := make([]string, 0, len(r.handlers))
	for jobType := range r.handlers {
		out = append(out, jobType)
	}
	return out
}
