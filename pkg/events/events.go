package events

import (
	"context"
	"encoding/json"
	"time"
)

// DecisionEvent is emitted once per evaluated operation. Downstream
// consumers (reconciliation, alerting) key on Subject and Kind.
type DecisionEvent struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Operator  string    `json:"operator"`
	Kind      string    `json:"kind"`
	Amount    string    `json:"amount"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Allowed   bool      `json:"allowed"`
	Pending   bool      `json:"pending"`
	Reason    string    `json:"reason,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	EmittedAt time.Time `json:"emitted_at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev DecisionEvent) error
	Close() error
}

// NopPublisher discards events. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, ev DecisionEvent) error { return nil }
func (NopPublisher) Close() error                                        { return nil }

func encode(ev DecisionEvent) ([]byte, error) {
	return json.Marshal(ev)
}
