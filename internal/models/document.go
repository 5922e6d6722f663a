package models

import "time"

// OutputSampleSize bounds how many produced paths a history record keeps.
const OutputSampleSize = 5

// HistoryRecord is the durable record of one split job.
// The store assigns ID on creation; everything after that is changed through JobUpdate.
type HistoryRecord struct {
	ID           string         `json:"id"`
	CreatedAt    time.Time      `json:"created_at"`
	InputPath    string         `json:"input_path"`
	OutputDir    string         `json:"output_dir"`
	Strategy     SplitStrategy  `json:"strategy"`
	Params       map[string]any `json:"params"`
	Status       JobStatus      `json:"status"`
	DurationMs   *int64         `json:"duration_ms,omitempty"`
	OutputCount  *int           `json:"output_count,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	OutputSample []string       `json:"output_sample,omitempty"`
}

// JobUpdate is a partial update of a HistoryRecord. Nil fields are left untouched.
type JobUpdate struct {
	Status       *JobStatus
	DurationMs   *int64
	OutputCount  *int
	ErrorMessage *string
	OutputSample []string
}

// IsEmpty reports whether the update carries no fields.
func (u JobUpdate) IsEmpty() bool {
	return u.Status == nil && u.DurationMs == nil && u.OutputCount == nil &&
		u.ErrorMessage == nil && u.OutputSample == nil
}

// Apply copies the set fields of u onto rec.
func (u JobUpdate) Apply(rec *HistoryRecord) {
	if u.Status != nil {
		rec.Status = *u.Status
	}
	if u.DurationMs != nil {
		d := *u.DurationMs
		rec.DurationMs = &d
	}
	if u.OutputCount != nil {
		c := *u.OutputCount
		rec.OutputCount = &c
	}
	if u.ErrorMessage != nil {
		m := *u.ErrorMessage
		rec.ErrorMessage = &m
	}
	if u.OutputSample != nil {
		rec.OutputSample = append([]string(nil), u.OutputSample...)
	}
}

// NewPendingRecord builds the PENDING record created when a job is submitted.
func NewPendingRecord(params SplitJobParams, now time.Time) *HistoryRecord {
	return &HistoryRecord{
		CreatedAt: now.UTC(),
		InputPath: params.InputPath,
		OutputDir: params.OutputDir,
		Strategy:  params.Strategy,
		Params:    params.ToMap(),
		Status:    StatusPending,
	}
}

// SampleOutputs returns at most OutputSampleSize leading paths.
func SampleOutputs(paths []string) []string {
	n := min(len(paths), OutputSampleSize)
	return append(make([]string, 0, n), paths[:n]...)
}
