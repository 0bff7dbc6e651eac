package core

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Envelope is the prepared content shared by every batch of a send.
// It is read-only once built.
type Envelope struct {
	From        string
	CC          []string
	BCC         []string
	ReplyTo     string
	Subject     string
	HTML        string
	Text        string
	Tags        []string
	Attachments []File
	Inline      []File
}

// Tracking holds the provider tracking switches of a request.
type Tracking struct {
	Enabled bool
	Opens   bool
	Clicks  bool
}

// DeliveryRequest is the provider-ready payload of a single batch.
// It must not be modified after it is built.
type DeliveryRequest struct {
	// ID identifies the request in logs and traces.
	ID string

	From    string
	To      []string
	CC      []string
	BCC     []string
	ReplyTo string
	Subject string
	HTML    string
	Text    string

	Attachments []File
	Inline      []File
	Tags        []string
	Tracking    Tracking

	// Variables holds the merge records of the recipients of this request only.
	Variables map[string]MergeRecord
}

// Recipients returns To, CC and BCC concatenated.
func (r *DeliveryRequest) Recipients() []string {
	return slices.Concat(r.To, r.CC, r.BCC)
}

// TotalRecipients returns the total number of recipients (To + CC + BCC).
func (r *DeliveryRequest) TotalRecipients() int {
	return len(r.To) + len(r.CC) + len(r.BCC)
}

// VariablesJSON serializes the per-recipient variables payload.
func (r *DeliveryRequest) VariablesJSON() ([]byte, error) {
	if r.Variables == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(r.Variables)
	if err != nil {
		return nil, fmt.Errorf("marshal recipient variables: %w", err)
	}
	return data, nil
}

// SendResult contains the provider response for one accepted batch.
type SendResult struct {
	// MessageID is the unique identifier assigned by the provider.
	MessageID string

	// Provider is the name of the provider that accepted the batch.
	Provider string

	// Timestamp when the batch was accepted by the provider.
	Timestamp time.Time

	// Metadata contains provider-specific information.
	Metadata map[string]interface{}
}

// Outcome is the result of delivering one batch: either Result or Err is set.
type Outcome struct {
	// Index is the position of the batch in the send.
	Index int

	// Request is the delivered request.
	Request *DeliveryRequest

	// Result is the provider response on success.
	Result *SendResult

	// Err is the delivery error on failure.
	Err error

	// Duration is the time spent in the provider call.
	Duration time.Duration
}

// OK reports whether the batch was accepted.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// BatchResult contains the outcomes of all batches of a send, in batch order.
type BatchResult struct {
	// Domain is the sending domain used for every batch.
	Domain string

	// Provider is the name of the provider used for the send.
	Provider string

	// Total is the number of batches that were attempted.
	Total int

	// Outcomes holds one outcome per batch, Outcomes[i].Index == i.
	Outcomes []Outcome
}

// BatchFailure represents a failed batch.
type BatchFailure struct {
	// Index is the position of the failed batch.
	Index int

	// Request is the request that failed.
	Request *DeliveryRequest

	// Error is the reason for the failure.
	Error error
}

// Successful returns the provider responses of the accepted batches.
func (r *BatchResult) Successful() []*SendResult {
	var out []*SendResult
	for _, o := range r.Outcomes {
		if o.OK() {
			out = append(out, o.Result)
		}
	}
	return out
}

// Failed returns the failed batches.
func (r *BatchResult) Failed() []BatchFailure {
	var out []BatchFailure
	for _, o := range r.Outcomes {
		if !o.OK() {
			out = append(out, BatchFailure{Index: o.Index, Request: o.Request, Error: o.Err})
		}
	}
	return out
}

// OK reports whether every batch was accepted.
func (r *BatchResult) OK() bool {
	for _, o := range r.Outcomes {
		if !o.OK() {
			return false
		}
	}
	return true
}

// Err returns a *BatchError describing the failed batches, or nil.
func (r *BatchResult) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}

	batchErr := &BatchError{
		Message: fmt.Sprintf("%d/%d batches failed", len(failed), r.Total),
		Total:   r.Total,
		Failed:  len(failed),
	}
	for _, f := range failed {
		batchErr.Errors = append(batchErr.Errors, BatchItemError{Index: f.Index, Error: f.Error})
	}
	return batchErr
}
