// Package memtransport is an in-process transport.Transport implementation
// for unit tests, grounded on the teacher's own habit of hand-rolled mocks
// satisfying narrow interfaces (manager_test.go's MockBgpServer/MockNetlink)
// rather than a full broker.
package memtransport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/uvnmesh/uvn/internal/transport"
)

// Broker is the shared in-memory backplane every Transport instance created
// from it publishes to and reads from. A write is delivered to the readers
// registered for its key at that moment; nothing is retained, so a reader
// created after a write never sees it.
type Broker struct {
	mu       sync.Mutex
	uvnInfo  map[string][]*memReader[transport.UvnInfoSample]
	cellInfo map[string][]*memReader[transport.CellInfoSample]
	backbone map[string][]*memReader[transport.BackboneSample]
}

func NewBroker() *Broker {
	return &Broker{
		uvnInfo:  map[string][]*memReader[transport.UvnInfoSample]{},
		cellInfo: map[string][]*memReader[transport.CellInfoSample]{},
		backbone: map[string][]*memReader[transport.BackboneSample]{},
	}
}

// Transport is one instance's view of a Broker; instanceKey identifies this
// writer for liveness attribution.
type Transport struct {
	broker      *Broker
	instanceKey string
	ws          *waitset
}

func New(broker *Broker, instanceKey string) *Transport {
	return &Transport{broker: broker, instanceKey: instanceKey, ws: newWaitset()}
}

func (t *Transport) Waitset() transport.Waitset { return t.ws }
func (t *Transport) Close() error               { return nil }

type memWriter[T any] struct {
	key     string
	publish func(T, string)
}

func (w *memWriter[T]) Write(ctx context.Context, sample T) error {
	w.publish(sample, w.key)
	return nil
}
func (w *memWriter[T]) Close() error { return nil }

type memReader[T any] struct {
	mu         sync.Mutex
	onSample   func(T, transport.SampleInfo)
	onLiveness func(transport.SampleInfo)
}

func (r *memReader[T]) OnSample(fn func(T, transport.SampleInfo)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSample = fn
}
func (r *memReader[T]) OnLiveness(fn func(transport.SampleInfo)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLiveness = fn
}
func (r *memReader[T]) Close() error { return nil }

func (r *memReader[T]) deliver(sample T, key string) {
	r.mu.Lock()
	fn := r.onSample
	r.mu.Unlock()
	if fn != nil {
		fn(sample, transport.SampleInfo{WriterKey: key, Alive: true})
	}
}

func (t *Transport) UvnInfoWriter(uvn string) (transport.Writer[transport.UvnInfoSample], error) {
	return &memWriter[transport.UvnInfoSample]{key: t.instanceKey, publish: func(s transport.UvnInfoSample, key string) {
		t.broker.mu.Lock()
		readers := append([]*memReader[transport.UvnInfoSample]{}, t.broker.uvnInfo[uvn]...)
		t.broker.mu.Unlock()
		for _, r := range readers {
			r.deliver(s, key)
		}
		t.ws.Trigger()
	}}, nil
}

func (t *Transport) UvnInfoReader(uvn string) (transport.Reader[transport.UvnInfoSample], error) {
	r := &memReader[transport.UvnInfoSample]{}
	t.broker.mu.Lock()
	t.broker.uvnInfo[uvn] = append(t.broker.uvnInfo[uvn], r)
	t.broker.mu.Unlock()
	return r, nil
}

func (t *Transport) CellInfoWriter(uvn, cellID string) (transport.Writer[transport.CellInfoSample], error) {
	key := fmt.Sprintf("%s/%s", t.instanceKey, cellID)
	return &memWriter[transport.CellInfoSample]{key: key, publish: func(s transport.CellInfoSample, key string) {
		t.broker.mu.Lock()
		readers := append([]*memReader[transport.CellInfoSample]{}, t.broker.cellInfo[uvn]...)
		t.broker.mu.Unlock()
		for _, r := range readers {
			r.deliver(s, key)
		}
		t.ws.Trigger()
	}}, nil
}

func (t *Transport) CellInfoReader(uvn string) (transport.Reader[transport.CellInfoSample], error) {
	r := &memReader[transport.CellInfoSample]{}
	t.broker.mu.Lock()
	t.broker.cellInfo[uvn] = append(t.broker.cellInfo[uvn], r)
	t.broker.mu.Unlock()
	return r, nil
}

func (t *Transport) BackboneWriter(uvn, cellID string) (transport.Writer[transport.BackboneSample], error) {
	topic := uvn + "/" + cellID
	return &memWriter[transport.BackboneSample]{key: t.instanceKey, publish: func(s transport.BackboneSample, key string) {
		t.broker.mu.Lock()
		readers := append([]*memReader[transport.BackboneSample]{}, t.broker.backbone[topic]...)
		t.broker.mu.Unlock()
		for _, r := range readers {
			r.deliver(s, key)
		}
		t.ws.Trigger()
	}}, nil
}

func (t *Transport) BackboneReader(uvn, cellID string) (transport.Reader[transport.BackboneSample], error) {
	topic := uvn + "/" + cellID
	r := &memReader[transport.BackboneSample]{}
	t.broker.mu.Lock()
	t.broker.backbone[topic] = append(t.broker.backbone[topic], r)
	t.broker.mu.Unlock()
	return r, nil
}

// waitset is a minimal condition-variable-backed transport.Waitset.
type waitset struct {
	mu        sync.Mutex
	triggered bool
	ch        chan struct{}
}

func newWaitset() *waitset { return &waitset{ch: make(chan struct{}, 1)} }

func (w *waitset) Trigger() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.triggered {
		w.triggered = true
		select {
		case w.ch <- struct{}{}:
		default:
		}
	}
}

func (w *waitset) Wait(ctx context.Context, tick time.Duration) error {
	w.mu.Lock()
	if w.triggered {
		w.triggered = false
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	timer := time.NewTimer(tick)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.ch:
		w.mu.Lock()
		w.triggered = false
		w.mu.Unlock()
		return nil
	case <-timer.C:
		return nil
	}
}
