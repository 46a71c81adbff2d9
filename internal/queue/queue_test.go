package queue

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestNewProducerValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  ProducerConfig
	}{
		{
			name: "unsupported driver",
			cfg:  ProducerConfig{Driver: "unknown"},
		},
		{
			name: "kafka missing brokers",
			cfg:  ProducerConfig{Driver: DriverKafka, Brokers: []string{" ", ""}},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p, err := NewProducer(tc.cfg)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
			if p != nil {
				t.Fatalf("expected nil producer on error")
			}
		})
	}
}

func TestStdioProducerWritesJSONLines(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	p, err := NewProducer(ProducerConfig{Driver: DriverStdio, Writer: &out})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	defer func() { _ = p.Close() }()

	if err := p.Publish(context.Background(), Message{Topic: "bonder.events.v1", Key: []byte("k1"), Value: []byte(`{"kind":"bondWithdrawal"}`)}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := p.Publish(context.Background(), Message{Topic: "bonder.events.v1", Value: []byte("plain")}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	want := "{\"topic\":\"bonder.events.v1\",\"key\":\"k1\",\"value\":{\"kind\":\"bondWithdrawal\"}}\n" +
		"{\"topic\":\"bonder.events.v1\",\"value\":\"plain\"}\n"
	if got := out.String(); got != want {
		t.Fatalf("output mismatch:\ngot  %q\nwant %q", got, want)
	}
}

func TestPublishRequiresTopic(t *testing.T) {
	t.Parallel()

	for _, p := range []Producer{NewMemoryProducer(), newStdioProducer(ProducerConfig{Writer: &bytes.Buffer{}})} {
		if err := p.Publish(context.Background(), Message{Topic: "  ", Value: []byte("{}")}); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%T: expected ErrInvalidConfig, got %v", p, err)
		}
	}
}

func TestMemoryProducer(t *testing.T) {
	t.Parallel()

	p := NewMemoryProducer()
	if err := p.Publish(context.Background(), Message{Topic: "t", Value: []byte("1")}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := p.Messages(); len(got) != 1 || string(got[0].Value) != "1" {
		t.Fatalf("unexpected messages: %+v", got)
	}
	_ = p.Close()
	if err := p.Publish(context.Background(), Message{Topic: "t", Value: []byte("2")}); err == nil {
		t.Fatalf("expected error after close")
	}
}

func TestSplitCommaList(t *testing.T) {
	t.Parallel()

	got := SplitCommaList(" a:9092, ,b:9092 ")
	if len(got) != 2 || got[0] != "a:9092" || got[1] != "b:9092" {
		t.Fatalf("unexpected list: %#v", got)
	}
	if SplitCommaList("  ") != nil {
		t.Fatalf("expected nil for blank input")
	}
}

func TestKafkaTLSEnabled(t *testing.T) {
	cases := []struct {
		value string
		want  bool
	}{
		{value: "", want: false},
		{value: "0", want: false},
		{value: "true", want: true},
		{value: "  On ", want: true},
	}
	for _, tc := range cases {
		t.Setenv(envKafkaTLS, tc.value)
		if got := kafkaTLSEnabled(); got != tc.want {
			t.Fatalf("kafkaTLSEnabled(%q) = %t, want %t", tc.value, got, tc.want)
		}
	}
}
