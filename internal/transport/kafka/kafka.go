// Package kafka is the production transport.Transport implementation,
// backed by github.com/twmb/franz-go, grounded on
// telemetry/flow-ingest/internal/kafka/client.go's producer configuration
// and telemetry/flow-enricher's narrow kafkaClient interface
// (PollFetches/CommitUncommittedOffsets/Close).
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/uvnmesh/uvn/internal/transport"
)

// Config mirrors telemetry/flow-ingest/internal/kafka.Config's shape,
// generalized to this transport's own topic naming.
type Config struct {
	Brokers     []string
	GroupPrefix string
	Logger      *slog.Logger
}

func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka: at least one broker is required")
	}
	return nil
}

// kafkaClient is the narrow interface the reader loop depends on, mirroring
// telemetry/flow-enricher/internal/flow-enricher/consumer.go's kafkaClient,
// so tests can substitute a fake without a real broker.
type kafkaClient interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitUncommittedOffsets(ctx context.Context) error
	Close()
}

// Transport is the franz-go backed transport.Transport implementation.
type Transport struct {
	cfg    Config
	client *kgo.Client
	admin  *kadm.Client
	ws     *waitset

	mu      sync.Mutex
	readers []closer
}

type closer interface{ Close() error }

func New(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(5*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka: new client: %w", err)
	}
	return &Transport{cfg: cfg, client: client, admin: kadm.NewClient(client), ws: newWaitset()}, nil
}

func (t *Transport) Waitset() transport.Waitset { return t.ws }

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.readers {
		r.Close()
	}
	t.client.Close()
	return nil
}

func (t *Transport) ensureTopic(ctx context.Context, topic string) error {
	_, err := t.admin.CreateTopics(ctx, 1, 1, nil, topic)
	if err != nil && !isTopicExists(err) {
		return fmt.Errorf("kafka: ensure topic %s: %w", topic, err)
	}
	return nil
}

func isTopicExists(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "TOPIC_ALREADY_EXISTS") ||
		strings.Contains(err.Error(), "already exists"))
}

func uvnInfoTopic(uvn string) string          { return "uvn." + uvn + ".uvn-info" }
func cellInfoTopic(uvn string) string         { return "uvn." + uvn + ".cell-info" }
func backboneTopic(uvn, cellID string) string { return "uvn." + uvn + ".backbone." + cellID }

type kafkaWriter[T any] struct {
	t     *Transport
	topic string
	key   string
}

func (w *kafkaWriter[T]) Write(ctx context.Context, sample T) error {
	raw, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("kafka: marshal sample: %w", err)
	}
	if err := w.t.ensureTopic(ctx, w.topic); err != nil {
		return err
	}
	rec := &kgo.Record{Topic: w.topic, Key: []byte(w.key), Value: raw}
	res := w.t.client.ProduceSync(ctx, rec)
	return res.FirstErr()
}
func (w *kafkaWriter[T]) Close() error { return nil }

type kafkaReader[T any] struct {
	mu         sync.Mutex
	onSample   func(T, transport.SampleInfo)
	onLiveness func(transport.SampleInfo)
	stop       chan struct{}
}

func (r *kafkaReader[T]) OnSample(fn func(T, transport.SampleInfo)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSample = fn
}
func (r *kafkaReader[T]) OnLiveness(fn func(transport.SampleInfo)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLiveness = fn
}
func (r *kafkaReader[T]) Close() error {
	close(r.stop)
	return nil
}

func newKafkaReader[T any](t *Transport, client kafkaClient, topic string) *kafkaReader[T] {
	r := &kafkaReader[T]{stop: make(chan struct{})}
	go r.loop(t, client, topic)
	t.mu.Lock()
	t.readers = append(t.readers, r)
	t.mu.Unlock()
	return r
}

func (r *kafkaReader[T]) loop(t *Transport, client kafkaClient, topic string) {
	ctx := context.Background()
	for {
		select {
		case <-r.stop:
			return
		default:
		}
		fetches := client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			t.cfg.Logger.Error("kafka fetch error", "topic", topic, "partition", partition, "err", err)
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			var sample T
			if err := json.Unmarshal(rec.Value, &sample); err != nil {
				t.cfg.Logger.Warn("kafka: dropping undecodable record", "topic", rec.Topic, "err", err)
				return
			}
			r.mu.Lock()
			fn := r.onSample
			r.mu.Unlock()
			if fn != nil {
				fn(sample, transport.SampleInfo{WriterKey: string(rec.Key), Alive: true})
			}
		})
		if err := client.CommitUncommittedOffsets(ctx); err != nil {
			t.cfg.Logger.Warn("kafka: commit offsets failed", "err", err)
		}
		t.ws.Trigger()
	}
}

func (t *Transport) newGroupClient(topic, group string) (*kgo.Client, error) {
	return kgo.NewClient(
		kgo.SeedBrokers(t.cfg.Brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumerGroup(group),
	)
}

func (t *Transport) UvnInfoWriter(uvn string) (transport.Writer[transport.UvnInfoSample], error) {
	return &kafkaWriter[transport.UvnInfoSample]{t: t, topic: uvnInfoTopic(uvn), key: uvn}, nil
}

func (t *Transport) UvnInfoReader(uvn string) (transport.Reader[transport.UvnInfoSample], error) {
	topic := uvnInfoTopic(uvn)
	client, err := t.newGroupClient(topic, t.cfg.GroupPrefix+".uvn-info")
	if err != nil {
		return nil, err
	}
	return newKafkaReader[transport.UvnInfoSample](t, client, topic), nil
}

func (t *Transport) CellInfoWriter(uvn, cellID string) (transport.Writer[transport.CellInfoSample], error) {
	return &kafkaWriter[transport.CellInfoSample]{t: t, topic: cellInfoTopic(uvn), key: cellID}, nil
}

func (t *Transport) CellInfoReader(uvn string) (transport.Reader[transport.CellInfoSample], error) {
	topic := cellInfoTopic(uvn)
	client, err := t.newGroupClient(topic, t.cfg.GroupPrefix+".cell-info")
	if err != nil {
		return nil, err
	}
	return newKafkaReader[transport.CellInfoSample](t, client, topic), nil
}

func (t *Transport) BackboneWriter(uvn, cellID string) (transport.Writer[transport.BackboneSample], error) {
	return &kafkaWriter[transport.BackboneSample]{t: t, topic: backboneTopic(uvn, cellID), key: cellID}, nil
}

func (t *Transport) BackboneReader(uvn, cellID string) (transport.Reader[transport.BackboneSample], error) {
	topic := backboneTopic(uvn, cellID)
	client, err := t.newGroupClient(topic, t.cfg.GroupPrefix+".backbone."+cellID)
	if err != nil {
		return nil, err
	}
	return newKafkaReader[transport.BackboneSample](t, client, topic), nil
}
