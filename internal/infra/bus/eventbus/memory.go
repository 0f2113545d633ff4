package eventbus

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/mprview/errs"
	"github.com/coachpo/mprview/internal/app/viewport"
	"github.com/coachpo/mprview/internal/infra/telemetry"
)

// MemoryBus is an in-memory implementation of the surface event bus. It also serves as the
// progress sink and state listener of the viewport manager.
type MemoryBus struct {
	cfg    MemoryConfig
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       uint64

	eventsPublishedCounter metric.Int64Counter
	subscriberGauge        metric.Int64UpDownCounter
	fanoutHistogram        metric.Int64Histogram
	publishDuration        metric.Float64Histogram
	deliveryDroppedCounter metric.Int64Counter
}

type subscriber struct {
	surfaceID string
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.Mutex
	ch        chan Event
	closed    bool
}

// NewMemoryBus constructs a memory-backed event bus.
func NewMemoryBus(cfg MemoryConfig, logger *log.Logger) *MemoryBus {
	cfg = cfg.normalize()
	if logger == nil {
		logger = log.New(os.Stdout, "eventbus ", log.LstdFlags|log.Lmicroseconds)
	}
	ctx, cancel := context.WithCancel(context.Background())
	bus := &MemoryBus{
		cfg:         cfg,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[SubscriptionID]*subscriber),
	}

	meter := otel.Meter("eventbus")
	bus.eventsPublishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.fanoutHistogram, _ = meter.Int64Histogram("eventbus.fanout.size",
		metric.WithDescription("Number of subscribers per fanout"),
		metric.WithUnit("{subscriber}"))
	bus.publishDuration, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Latency of eventbus publish operations"),
		metric.WithUnit("ms"))
	bus.deliveryDroppedCounter, _ = meter.Int64Counter("eventbus.delivery.dropped",
		metric.WithDescription("Number of events dropped due to subscriber backpressure"),
		metric.WithUnit("{event}"))

	return bus
}

// Publish fans the event out to every subscriber of its surface.
func (b *MemoryBus) Publish(ctx context.Context, evt Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(evt.SurfaceID) == "" {
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("surface id required"))
	}
	if evt.Kind == "" {
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithSurface(evt.SurfaceID), errs.WithMessage("event kind required"))
	}
	if b.ctx.Err() != nil {
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	start := time.Now()
	result := telemetry.ResultSuccess
	defer func() {
		attrs := telemetry.OperationResultAttributes(telemetry.Environment(), evt.SurfaceID, "eventbus.publish", result)
		b.publishDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrs...))
	}()

	b.mu.RLock()
	subscribers := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.surfaceID == "" || sub.surfaceID == evt.SurfaceID {
			subscribers = append(subscribers, sub)
		}
	}
	b.mu.RUnlock()

	attrs := metric.WithAttributes(telemetry.SurfaceAttributes(telemetry.Environment(), evt.SurfaceID, "")...)
	b.fanoutHistogram.Record(ctx, int64(len(subscribers)), attrs)
	if len(subscribers) == 0 {
		result = "no_subscribers"
		return nil
	}

	p := concpool.New().WithMaxGoroutines(b.cfg.FanoutWorkers)
	for _, sub := range subscribers {
		p.Go(func() {
			b.deliver(ctx, sub, evt)
		})
	}
	p.Wait()

	b.eventsPublishedCounter.Add(ctx, 1, attrs)
	return nil
}

// PublishProgress implements viewport.ProgressSink.
func (b *MemoryBus) PublishProgress(ctx context.Context, event viewport.ProgressEvent) {
	ev := event
	if err := b.Publish(ctx, Event{Kind: KindProgress, SurfaceID: event.SurfaceID, Progress: &ev}); err != nil && !errs.Is(err, errs.CodeUnavailable) {
		b.logger.Printf("surface=%s progress publish failed: %v", event.SurfaceID, err)
	}
}

// OnTransition publishes a surface transition. It has the shape of viewport.StateListener.
func (b *MemoryBus) OnTransition(t viewport.Transition) {
	tr := t
	if err := b.Publish(context.Background(), Event{Kind: KindState, SurfaceID: t.SurfaceID, Transition: &tr}); err != nil && !errs.Is(err, errs.CodeUnavailable) {
		b.logger.Printf("surface=%s transition publish failed: %v", t.SurfaceID, err)
	}
}

// Subscribe registers for events of surfaceID, or of every surface when it is empty. The
// channel is closed when ctx is done, on Unsubscribe or on Close.
func (b *MemoryBus) Subscribe(ctx context.Context, surfaceID string) (SubscriptionID, <-chan Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.ctx.Err() != nil {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &subscriber{
		surfaceID: strings.TrimSpace(surfaceID),
		ctx:       ctx,
		cancel:    cancel,
		ch:        make(chan Event, b.cfg.BufferSize),
	}
	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()
	b.subscriberGauge.Add(ctx, 1, metric.WithAttributes(telemetry.SurfaceAttributes(telemetry.Environment(), sub.surfaceID, "")...))

	go b.observe(id, sub)
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	b.mu.RLock()
	sub, ok := b.subscribers[id]
	b.mu.RUnlock()
	if ok {
		sub.cancel()
	}
}

// Subscribers returns the number of active subscriptions.
func (b *MemoryBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		subs := make([]*subscriber, 0, len(b.subscribers))
		for id, sub := range b.subscribers {
			subs = append(subs, sub)
			delete(b.subscribers, id)
		}
		b.mu.Unlock()
		for _, sub := range subs {
			sub.cancel()
			sub.close()
		}
	})
}

func (b *MemoryBus) observe(id SubscriptionID, sub *subscriber) {
	select {
	case <-sub.ctx.Done():
	case <-b.ctx.Done():
	}
	b.mu.Lock()
	stored, ok := b.subscribers[id]
	if ok && stored == sub {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if ok {
		b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(telemetry.SurfaceAttributes(telemetry.Environment(), sub.surfaceID, "")...))
	}
	sub.close()
}

// deliver enqueues the event, dropping the oldest buffered event when the subscriber is full.
func (b *MemoryBus) deliver(ctx context.Context, sub *subscriber, evt Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed || sub.ctx.Err() != nil {
		return
	}
	select {
	case sub.ch <- evt:
		return
	default:
	}
	select {
	case <-sub.ch:
	default:
	}
	b.logger.Printf("surface=%s subscriber buffer full; dropped oldest event", evt.SurfaceID)
	b.deliveryDroppedCounter.Add(ctx, 1, metric.WithAttributes(telemetry.SurfaceAttributes(telemetry.Environment(), evt.SurfaceID, "")...))
	select {
	case sub.ch <- evt:
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
