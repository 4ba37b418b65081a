package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Trigger asks the engine to run a story once.
type Trigger struct {
	// StoryID is the story to run. When empty it is taken from the subject.
	StoryID string `json:"story_id,omitempty"`

	// Input is written on top of the application environment.
	Input map[string]any `json:"input,omitempty"`

	// CorrelationID is echoed in the run report.
	CorrelationID string `json:"correlation_id,omitempty"`

	CreatedAt string `json:"created_at"`
}

// NewTrigger creates a trigger for storyID.
func NewTrigger(storyID string, input map[string]any) *Trigger {
	return &Trigger{
		StoryID:   storyID,
		Input:     input,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

// WithCorrelationID sets the correlation ID
func (t *Trigger) WithCorrelationID(correlationID string) *Trigger {
	t.CorrelationID = correlationID
	return t
}

// ToBytes serializes the trigger to JSON
func (t *Trigger) ToBytes() ([]byte, error) {
	return json.Marshal(t)
}

// TriggerFromBytes deserializes a trigger from JSON
func TriggerFromBytes(data []byte) (*Trigger, error) {
	var t Trigger
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode trigger: %w", err)
	}
	return &t, nil
}

// Registration actions.
const (
	ActionRegister   = "register"
	ActionUnregister = "unregister"
)

// Registration announces an application to the gateway.
type Registration struct {
	Action   string `json:"action"`
	App      string `json:"app"`
	StoryID  string `json:"story_id"`
	Instance string `json:"instance,omitempty"`

	// Subject is where triggers for the application are accepted.
	Subject   string `json:"subject,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Report statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// LineReport is the recorded result of one executed line.
type LineReport struct {
	Output   any       `json:"output,omitempty"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	ExitCode int       `json:"exit_code,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// ReportError describes why a run failed.
type ReportError struct {
	// Line is the id of the line the run failed on, empty when the failure
	// happened outside any line.
	Line    string `json:"line,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	// Output is what the failing line produced before it failed.
	Output string `json:"output,omitempty"`
}

// BlobReference points to a report that was too large to publish inline.
type BlobReference struct {
	URL       string `json:"url"`
	SizeBytes int    `json:"size_bytes"`
}

// RunReport is published once for every finished run.
type RunReport struct {
	RunID         string `json:"run_id"`
	App           string `json:"app"`
	StoryID       string `json:"story_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Status        string `json:"status"`

	// Results and Order are empty when the report was offloaded.
	Results map[string]LineReport `json:"results,omitempty"`
	Order   []string              `json:"order,omitempty"`

	Error         *ReportError   `json:"error,omitempty"`
	BlobReference *BlobReference `json:"blob_reference,omitempty"`

	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	CreatedAt string    `json:"created_at"`
}

// IsSuccess reports whether the run finished without error.
func (r *RunReport) IsSuccess() bool {
	return r.Status == StatusSuccess
}

// Acknowledger settles a JetStream message. *nats.Msg implements it.
type Acknowledger interface {
	Ack(opts ...nats.AckOpt) error
	Nak(opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
	InProgress(opts ...nats.AckOpt) error
}

// Delivery is a trigger pulled from JetStream. Exactly one of Ack, Nak or
// Term must be called once the trigger was handled.
type Delivery struct {
	Trigger *Trigger
	Subject string

	ack Acknowledger
}

// NewDelivery wraps a trigger that did not come from JetStream.
func NewDelivery(subject string, t *Trigger) *Delivery {
	return &Delivery{Trigger: t, Subject: subject}
}

// NewAckedDelivery wraps a trigger settled through ack.
func NewAckedDelivery(subject string, t *Trigger, ack Acknowledger) *Delivery {
	return &Delivery{Trigger: t, Subject: subject, ack: ack}
}

func deliveryFromMsg(t *Trigger, m *nats.Msg) *Delivery {
	d := &Delivery{Trigger: t, Subject: m.Subject}
	if m.Reply != "" {
		d.ack = m
	}
	return d
}

// Ack acknowledges the trigger; it is not redelivered.
func (d *Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack.Ack()
}

// Nak asks JetStream to redeliver the trigger.
func (d *Delivery) Nak() error {
	if d.ack == nil {
		return nil
	}
	return d.ack.Nak()
}

// Term drops the trigger for good.
func (d *Delivery) Term() error {
	if d.ack == nil {
		return nil
	}
	return d.ack.Term()
}

// InProgress extends the ack deadline of the trigger.
func (d *Delivery) InProgress() error {
	if d.ack == nil {
		return nil
	}
	return d.ack.InProgress()
}
