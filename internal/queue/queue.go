// Package queue publishes bonder event records to a message bus.
package queue

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	DriverKafka  = "kafka"
	DriverStdio  = "stdio"
	DriverMemory = "memory"
)

const envKafkaTLS = "BONDER_QUEUE_KAFKA_TLS"

var ErrInvalidConfig = errors.New("queue: invalid config")

// Message is one record to publish. Key selects the Kafka partition, so records for the same
// transfer or root stay ordered.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Producer publishes queue messages.
type Producer interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

type ProducerConfig struct {
	Driver string

	// Kafka fields.
	Brokers      []string
	BatchTimeout time.Duration
	// Async hands messages to the writer without waiting for broker acks.
	Async bool

	// Stdio fields.
	Writer io.Writer
}

// NewProducer creates a producer for the configured driver.
func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaProducer(cfg)
	case DriverStdio:
		return newStdioProducer(cfg), nil
	case DriverMemory:
		return NewMemoryProducer(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported queue driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverKafka
	}
	return v
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func SplitCommaList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return normalizeList(strings.Split(s, ","))
}

func kafkaTLSEnabled() bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(envKafkaTLS))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func validate(msg Message) (string, error) {
	topic := strings.TrimSpace(msg.Topic)
	if topic == "" {
		return "", fmt.Errorf("%w: topic is required", ErrInvalidConfig)
	}
	return topic, nil
}

type kafkaProducer struct {
	writer *kafka.Writer
}

func newKafkaProducer(cfg ProducerConfig) (Producer, error) {
	brokers := normalizeList(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka producer requires at least one broker", ErrInvalidConfig)
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireAll,
		Async:        cfg.Async,
	}
	if kafkaTLSEnabled() {
		writer.Transport = &kafka.Transport{
			TLS: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		}
	}
	return &kafkaProducer{writer: writer}, nil
}

func (p *kafkaProducer) Publish(ctx context.Context, msg Message) error {
	topic, err := validate(msg)
	if err != nil {
		return err
	}
	km := kafka.Message{Topic: topic, Key: msg.Key, Value: msg.Value}
	for k, v := range msg.Headers {
		km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return p.writer.WriteMessages(ctx, km)
}

func (p *kafkaProducer) Close() error {
	return p.writer.Close()
}

// stdioProducer writes one JSON line per message.
type stdioProducer struct {
	w io.Writer
	m sync.Mutex
}

type stdioLine struct {
	Topic   string            `json:"topic"`
	Key     string            `json:"key,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Value   json.RawMessage   `json:"value"`
}

func newStdioProducer(cfg ProducerConfig) Producer {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	return &stdioProducer{w: w}
}

func (p *stdioProducer) Publish(_ context.Context, msg Message) error {
	topic, err := validate(msg)
	if err != nil {
		return err
	}
	value := json.RawMessage(msg.Value)
	if !json.Valid(value) {
		b, _ := json.Marshal(string(msg.Value))
		value = b
	}
	b, err := json.Marshal(stdioLine{Topic: topic, Key: string(msg.Key), Headers: msg.Headers, Value: value})
	if err != nil {
		return err
	}

	p.m.Lock()
	defer p.m.Unlock()
	_, err = p.w.Write(append(b, '\n'))
	return err
}

func (p *stdioProducer) Close() error {
	return nil
}

// MemoryProducer keeps published messages in memory.
type MemoryProducer struct {
	mu     sync.Mutex
	msgs   []Message
	closed bool
}

func NewMemoryProducer() *MemoryProducer { return &MemoryProducer{} }

func (p *MemoryProducer) Publish(_ context.Context, msg Message) error {
	if _, err := validate(msg); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("queue: producer closed")
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

// Messages returns a copy of everything published so far.
func (p *MemoryProducer) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.msgs...)
}

func (p *MemoryProducer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
