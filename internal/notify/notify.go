// Package notify reports bonder actions and failures to operators.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hop-exchange/bonder-node/internal/queue"
)

// DefaultTopic carries every event kind; consumers filter on Kind.
const DefaultTopic = "bonder.events.v1"

type Kind string

const (
	KindBondWithdrawal            Kind = "bondWithdrawal"
	KindBondTransferRoot          Kind = "bondTransferRoot"
	KindSettleBondedWithdrawal    Kind = "settleBondedWithdrawal"
	KindChallengeTransferRootBond Kind = "challengeTransferRootBond"
	KindError                     Kind = "error"
)

type Event struct {
	ID     uuid.UUID         `json:"id"`
	Kind   Kind              `json:"kind"`
	Chain  string            `json:"chain"`
	Token  string            `json:"token"`
	Fields map[string]string `json:"fields,omitempty"`
	At     time.Time         `json:"at"`
}

// Notifier receives events. Implementations must not block watcher loops for long.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NewEvent stamps an id and time on a new event.
func NewEvent(kind Kind, chain, token string, fields map[string]string, now time.Time) Event {
	return Event{
		ID:     uuid.New(),
		Kind:   kind,
		Chain:  chain,
		Token:  token,
		Fields: fields,
		At:     now.UTC(),
	}
}

// Log writes events to a structured logger. Errors go out at error level.
type Log struct {
	log *slog.Logger
}

func NewLog(log *slog.Logger) *Log {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	}
	return &Log{log: log}
}

func (n *Log) Notify(ctx context.Context, ev Event) error {
	attrs := []any{"id", ev.ID, "kind", ev.Kind, "chain", ev.Chain, "token", ev.Token}
	for k, v := range ev.Fields {
		attrs = append(attrs, k, v)
	}
	if ev.Kind == KindError {
		n.log.ErrorContext(ctx, "bonder event", attrs...)
		return nil
	}
	n.log.InfoContext(ctx, "bonder event", attrs...)
	return nil
}

// Queue publishes events as JSON, keyed by the event's primary record id when present.
type Queue struct {
	producer queue.Producer
	topic    string
}

func NewQueue(p queue.Producer, topic string) (*Queue, error) {
	if p == nil {
		return nil, errors.New("notify: nil producer")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	return &Queue{producer: p, topic: topic}, nil
}

func (n *Queue) Notify(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}
	key := ev.Fields["transferId"]
	if key == "" {
		key = ev.Fields["transferRootId"]
	}
	if key == "" {
		key = ev.ID.String()
	}
	return n.producer.Publish(ctx, queue.Message{
		Topic:   n.topic,
		Key:     []byte(key),
		Value:   b,
		Headers: map[string]string{"kind": string(ev.Kind)},
	})
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Notify(context.Context, Event) error { return nil }
