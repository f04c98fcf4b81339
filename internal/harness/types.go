package harness

// Trace event types.
const (
	EventInvocation = "invocation"
	EventCompletion = "completion"
)

// Completion cases.
const (
	CaseOK             = "ok"
	CaseValidation     = "validation"
	CaseLockContention = "lock_contention"
	CaseDataLocked     = "data_locked"
	CaseSyncInProgress = "sync_in_progress"
	CaseError          = "error"
)

// TraceEvent is one step invocation or its completion.
type TraceEvent struct {
	Seq    int            `json:"seq"`
	Type   string         `json:"type"`
	Action string         `json:"action"`
	Args   map[string]any `json:"args,omitempty"`
	Case   string         `json:"case,omitempty"`
	Result map[string]any `json:"result,omitempty"`
	// Error is kept out of golden traces; messages are free text.
	Error string `json:"-"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass   bool         `json:"pass"`
	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}, Errors: []string{}}
}

// AddError records a failure.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addInvocation(action string, args map[string]any) {
	r.Trace = append(r.Trace, TraceEvent{
		Seq:    len(r.Trace) + 1,
		Type:   EventInvocation,
		Action: action,
		Args:   args,
	})
}

func (r *Result) addCompletion(action, outcome string, result map[string]any, errMsg string) {
	r.Trace = append(r.Trace, TraceEvent{
		Seq:    len(r.Trace) + 1,
		Type:   EventCompletion,
		Action: action,
		Case:   outcome,
		Result: result,
		Error:  errMsg,
	})
}
