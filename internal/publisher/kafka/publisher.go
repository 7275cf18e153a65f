// Package kafka publishes events to Kafka with franz-go.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Config captures the producer settings.
type Config struct {
	Brokers  []string
	ClientID string
}

type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Publisher produces JSON records synchronously.
type Publisher struct {
	client producer
}

// New creates a franz-go client for the configured brokers.
func New(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	opts := []kgo.Opt{kgo.SeedBrokers(cfg.Brokers...)}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Publisher{client: client}, nil
}

// Publish marshals payload and waits for the broker acknowledgement. The
// returned ID is "partition/offset".
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	record := &kgo.Record{Topic: topic, Value: data}
	if keyed, ok := payload.(interface{ EventKey() string }); ok {
		record.Key = []byte(keyed.EventKey())
	}
	res := p.client.ProduceSync(ctx, record)
	produced, err := res.First()
	if err != nil {
		return "", fmt.Errorf("produce record: %w", err)
	}
	return strconv.Itoa(int(produced.Partition)) + "/" + strconv.FormatInt(produced.Offset, 10), nil
}

// Close flushes and closes the client.
func (p *Publisher) Close() {
	p.client.Close()
}
