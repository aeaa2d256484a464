package events

// EventType labels one frame of a streaming response.
//
// A stream always follows the order:
//
//	job_created -> progress* -> (result | error) -> done
type EventType string

const (
	// EventTypeJobCreated is emitted once, first, carrying the created job
	EventTypeJobCreated EventType = "job_created"
	// EventTypeProgress forwards a step or delta event from the running capability
	EventTypeProgress EventType = "progress"
	// EventTypeResult carries the terminal success payload
	EventTypeResult EventType = "result"
	// EventTypeError carries the terminal failure payload
	EventTypeError EventType = "error"
	// EventTypeDone is always the last frame
	EventTypeDone EventType = "done"
)

// IsTerminal reports whether the event ends the outcome part of a stream
func (t EventType) IsTerminal() bool {
	return t == EventTypeResult || t == EventTypeError
}

// Event is one queued (type, payload) pair
type Event struct {
	Type    EventType
	Payload any
}

// Progress event kinds
const (
	ProgressStep  = "step"
	ProgressDelta = "delta"
)

// Dedup scan step names
const (
	StepDedupScanStart     = "dedup_scan_start"
	StepDedupCategoryStart = "dedup_category_start"
	StepDedupAnchorStart   = "dedup_anchor_start"
	StepDedupAnchorDone    = "dedup_anchor_done"
	StepDedupScanDone      = "dedup_scan_done"
	StepDedupModelEvent    = "dedup_model_event"
)

// ProgressEvent is an intermediate event produced while a capability runs
type ProgressEvent struct {
	Type    string         `json:"type"`
	Stage   string         `json:"stage"`
	Message string         `json:"message,omitempty"`
	Delta   string         `json:"delta,omitempty"`
	Step    string         `json:"step,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Step builds a step event
func Step(stage, message string) ProgressEvent {
	return ProgressEvent{Type: ProgressStep, Stage: stage, Message: message}
}

// Delta builds a delta event
func Delta(stage, delta string) ProgressEvent {
	return ProgressEvent{Type: ProgressDelta, Stage: stage, Delta: delta}
}

// ProgressFunc receives progress events. A nil ProgressFunc discards them.
type ProgressFunc func(ProgressEvent)

// Emit forwards ev when f is non-nil
func (f ProgressFunc) Emit(ev ProgressEvent) {
	if f != nil {
		f(ev)
	}
}

// ErrorPayload is the body of an error frame
type ErrorPayload struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
}
