package harness

// TraceEvent records what one step did. Only the fields relevant to the
// step are set.
type TraceEvent struct {
	Step int    `json:"step"`
	Do   string `json:"do"`

	// enqueue
	ID    int64  `json:"id,omitempty"`
	Labor string `json:"labor,omitempty"`
	Time  string `json:"time,omitempty"`
	Type  string `json:"type,omitempty"`

	// fail_upserts, advance
	Count int `json:"count,omitempty"`
	Days  int `json:"days,omitempty"`

	// sync
	Sync *SyncSummary `json:"sync,omitempty"`
}

// SyncSummary is the report of a sync step plus the queue state after it.
type SyncSummary struct {
	Pass       string `json:"pass,omitempty"`
	Skipped    string `json:"skipped,omitempty"`
	Uploaded   int    `json:"uploaded"`
	Failed     int    `json:"failed"`
	Purged     int64  `json:"purged"`
	RemoteRows int    `json:"remote_rows"`
	Unsynced   int    `json:"unsynced"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is false when a sync expectation or an assertion failed.
	Pass   bool         `json:"pass"`
	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// canonical flattens an event into the value set MarshalCanonical accepts.
func (e TraceEvent) canonical() map[string]any {
	m := map[string]any{
		"step": e.Step,
		"do":   e.Do,
	}
	if e.ID != 0 {
		m["id"] = e.ID
	}
	if e.Labor != "" {
		m["labor"] = e.Labor
	}
	if e.Time != "" {
		m["time"] = e.Time
	}
	if e.Type != "" {
		m["type"] = e.Type
	}
	if e.Count != 0 {
		m["count"] = e.Count
	}
	if e.Days != 0 {
		m["days"] = e.Days
	}
	if s := e.Sync; s != nil {
		if s.Pass != "" {
			m["pass"] = s.Pass
		}
		if s.Skipped != "" {
			m["skipped"] = s.Skipped
		}
		m["uploaded"] = s.Uploaded
		m["failed"] = s.Failed
		m["purged"] = s.Purged
		m["remote_rows"] = s.RemoteRows
		m["unsynced"] = s.Unsynced
	}
	return m
}
