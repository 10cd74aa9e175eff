package harness

import "github.com/roach88/postpulse/internal/testutil"

// TraceEvent records what one step did.
type TraceEvent struct {
	Step   int    `json:"step"`
	Action string `json:"action"`
	Detail string `json:"detail,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step behaved as expected and every
	// assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`

	// Tracked is the detector snapshot size after the last step.
	Tracked int `json:"tracked"`

	subscribers []string
	transports  map[string]*testutil.RecordingTransport
}

// NewResult creates a passing result with no trace.
func NewResult() *Result {
	return &Result{
		Pass:       true,
		Trace:      []TraceEvent{},
		Errors:     []string{},
		transports: make(map[string]*testutil.RecordingTransport),
	}
}

// AddError records a failure and marks the result failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addTrace(step int, action, detail string) {
	r.Trace = append(r.Trace, TraceEvent{Step: step, Action: action, Detail: detail})
}

// Frames returns the raw frames delivered to a subscriber.
func (r *Result) Frames(subscriber string) []string {
	tr, ok := r.transports[subscriber]
	if !ok {
		return nil
	}
	return tr.Frames()
}

// EventTypes returns the event types delivered to a subscriber, in order.
func (r *Result) EventTypes(subscriber string) []string {
	tr, ok := r.transports[subscriber]
	if !ok {
		return nil
	}
	return tr.EventTypes()
}

// Subscribers returns subscriber names in declaration order.
func (r *Result) Subscribers() []string {
	return append([]string(nil), r.subscribers...)
}
