package domain

import "time"

type State string

const (
	Waiting         State = "waiting"
	Active          State = "active"
	Completed       State = "completed"
	Failed          State = "failed"
	Delayed         State = "delayed"
	Paused          State = "paused"
	Prioritized     State = "prioritized"
	WaitingChildren State = "waiting-children"
)

// PendingStates are the states counted as outstanding work for a queue.
var PendingStates = []State{Active, Waiting, Paused, Delayed, Prioritized, WaitingChildren}

func (s State) Valid() bool {
	switch s {
	case Waiting, Active, Completed, Failed, Delayed, Paused, Prioritized, WaitingChildren:
		return true
	}
	return false
}

type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// Retention bounds how long finished jobs are kept. A nil *Retention keeps
// everything; a zero Retention removes the job as soon as it finishes. A zero
// Count with a non-zero Age only trims by age.
type Retention struct {
	Age   time.Duration `json:"age,omitempty"`
	Count int64         `json:"count,omitempty"`
}

type Deduplication struct {
	ID  string        `json:"id"`
	TTL time.Duration `json:"ttl,omitempty"`
}

type JobOptions struct {
	JobID            string         `json:"jobId,omitempty"`
	Attempts         int            `json:"attempts,omitempty"`
	Backoff          *Backoff       `json:"backoff,omitempty"`
	Delay            time.Duration  `json:"delay,omitempty"`
	Priority         int            `json:"priority,omitempty"`
	RemoveOnComplete *Retention     `json:"removeOnComplete,omitempty"`
	RemoveOnFail     *Retention     `json:"removeOnFail,omitempty"`
	KeepLogs         int64          `json:"keepLogs,omitempty"`
	Deduplication    *Deduplication `json:"deduplication,omitempty"`
}

// Merge returns o with zero fields filled from def.
func (o JobOptions) Merge(def JobOptions) JobOptions {
	if o.Attempts == 0 {
		o.Attempts = def.Attempts
	}
	if o.Backoff == nil {
		o.Backoff = def.Backoff
	}
	if o.Delay == 0 {
		o.Delay = def.Delay
	}
	if o.Priority == 0 {
		o.Priority = def.Priority
	}
	if o.RemoveOnComplete == nil {
		o.RemoveOnComplete = def.RemoveOnComplete
	}
	if o.RemoveOnFail == nil {
		o.RemoveOnFail = def.RemoveOnFail
	}
	if o.KeepLogs == 0 {
		o.KeepLogs = def.KeepLogs
	}
	if o.Deduplication == nil {
		o.Deduplication = def.Deduplication
	}
	return o
}

type Metadata struct {
	CorrelationID string `json:"correlationId"`
}

// Payload is embedded by every job payload type.
type Payload struct {
	Metadata Metadata `json:"metadata"`
}

func (p Payload) CorrelationID() string { return p.Metadata.CorrelationID }

type BarrierResult struct {
	IsPassing   bool
	DelayAmount time.Duration
}

func Pass() BarrierResult { return BarrierResult{IsPassing: true} }

func Hold(delay time.Duration) BarrierResult {
	return BarrierResult{IsPassing: false, DelayAmount: delay}
}
