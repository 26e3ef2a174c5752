package protocol

// Status values of a dispatch result on the wire.
const (
	StatusCompleted = "completed"
	StatusRejected  = "rejected"
	StatusDegraded  = "degraded"
)

// DispatchRequest is the body of POST /v1/dispatch.
type DispatchRequest struct {
	Command string `json:"command"`
	// Timeout is a Go duration string such as "30s". Empty means no limit.
	Timeout string `json:"timeout,omitempty"`
}

// DispatchResult is the JSON form of a finished dispatch, shared by the CLI
// --json output and the HTTP API.
type DispatchResult struct {
	Status         string   `json:"status"` // completed | rejected | degraded
	DispatchID     string   `json:"dispatch_id,omitempty"`
	App            string   `json:"app,omitempty"`
	State          string   `json:"state"` // last state reached
	OutputLocation string   `json:"output_location,omitempty"`
	Artifacts      []string `json:"artifacts,omitempty"`
	Kind           string   `json:"kind,omitempty"`
	Message        string   `json:"message,omitempty"`
	Fallback       string   `json:"fallback,omitempty"`
	Known          []string `json:"known,omitempty"`
	ExitCode       *int     `json:"exit_code,omitempty"`
	Stderr         string   `json:"stderr,omitempty"`
	DurationMS     int64    `json:"duration_ms"`
}
