package dialer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acme/power-dialer/internal/domain"
	"github.com/acme/power-dialer/internal/telemetry"
	"github.com/acme/power-dialer/pkg/logger"
)

// DeltaType names the change a progress delta describes.
type DeltaType string

const (
	DeltaRunCreated    DeltaType = "run.created"
	DeltaRunStatus     DeltaType = "run.status"
	DeltaLegOriginated DeltaType = "leg.originated"
	DeltaLegUpdated    DeltaType = "leg.updated"
	DeltaLegBridged    DeltaType = "leg.bridged"
	DeltaLegCompleted  DeltaType = "leg.completed"
	DeltaBridgeFailed  DeltaType = "bridge.failed"
	DeltaAgentUpdated  DeltaType = "agent.updated"
	DeltaQueueRequeued DeltaType = "queue.requeued"
)

// Delta is a progress notification carrying the run state after the change.
type Delta struct {
	RunID string
	Type  DeltaType
	Run   domain.DialerRun
	Leg   *domain.Leg
	At    time.Time
}

// Sink receives every delta, for example to persist history.
type Sink interface {
	PublishDelta(ctx context.Context, delta Delta) error
}

type subscriber struct {
	runID string
	ch    chan Delta
}

// Broadcaster fans deltas out to subscribers without ever blocking the publisher.
// Slow subscribers lose deltas and are expected to poll the run state.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	buffer int

	sink   Sink
	sinkCh chan Delta
	logger *logger.Logger
}

// NewBroadcaster creates a broadcaster with per-subscriber buffers of the given size.
func NewBroadcaster(buffer int, log *logger.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{subs: make(map[uint64]*subscriber), buffer: buffer, logger: log}
}

// AttachSink forwards deltas to sink once Run is started.
func (b *Broadcaster) AttachSink(sink Sink, buffer int) {
	if buffer <= 0 {
		buffer = 1024
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = sink
	b.sinkCh = make(chan Delta, buffer)
}

// Subscribe registers for deltas of runID, or of every run when runID is empty.
func (b *Broadcaster) Subscribe(runID string) (<-chan Delta, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	sub := &subscriber{runID: runID, ch: make(chan Delta, b.buffer)}
	b.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(sub.ch)
		})
	}
}

// Publish delivers delta to matching subscribers and the sink buffer.
func (b *Broadcaster) Publish(delta Delta) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.runID != "" && sub.runID != delta.RunID {
			continue
		}
		select {
		case sub.ch <- delta:
		default:
			telemetry.DeltasDropped.Inc()
		}
	}
	if b.sinkCh != nil {
		select {
		case b.sinkCh <- delta:
		default:
			telemetry.DeltasDropped.Inc()
			b.logger.Warn("broadcaster: sink buffer full, dropping delta",
				zap.String("run_id", delta.RunID), zap.String("type", string(delta.Type)))
		}
	}
}

// Run drains the sink buffer until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) error {
	b.mu.RLock()
	sink, ch := b.sink, b.sinkCh
	b.mu.RUnlock()
	if sink == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	for {
		select {
		case <-ctx.Done():
			b.flush(sink, ch)
			return ctx.Err()
		case delta := <-ch:
			if err := sink.PublishDelta(ctx, delta); err != nil && ctx.Err() == nil {
				b.logger.Error("broadcaster: sink publish failed", zap.Error(err),
					zap.String("run_id", delta.RunID), zap.String("type", string(delta.Type)))
			}
		}
	}
}

func (b *Broadcaster) flush(sink Sink, ch chan Delta) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case delta := <-ch:
			if err := sink.PublishDelta(ctx, delta); err != nil {
				b.logger.Warn("broadcaster: flush failed", zap.Error(err))
				return
			}
		default:
			return
		}
	}
}
