// Package eventbus implements the durable unified event bus: per-stream
// dense monotonic sequences persisted to the KV outbox, multiplexed views,
// live fan-out over bounded in-process channels, and bounded replay.
//
// Live delivery is best-effort; a subscriber that lags loses the oldest
// buffered events and must recover through ReplaySince. The KV outbox is
// the source of truth.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/common/kv"
	"github.com/taskmesh/taskmesh/common/logger"
	"github.com/taskmesh/taskmesh/common/models"
)

const (
	keyPrefix = "stream/"

	// subscriberBuffer bounds each live subscriber channel; on overflow the
	// oldest buffered event is dropped.
	subscriberBuffer = 256
)

// StreamAll receives every event.
const StreamAll = "all"

// StreamForType names the per-resource-type view.
func StreamForType(rt models.ResourceType) string {
	return "type." + string(rt)
}

// StreamForNode names the per-node view.
func StreamForNode(nodeUUID string) string {
	return "node." + nodeUUID
}

// StreamForResource names the per-resource view.
func StreamForResource(rt models.ResourceType, resourceID string) string {
	return fmt.Sprintf("resource.%s.%s", rt, resourceID)
}

// Bus is the unified event bus.
type Bus struct {
	store kv.Store
	log   *logger.Logger

	mu       sync.Mutex
	counters map[string]int64               // stream -> last allocated seq
	subs     map[string][]*Subscription    // stream -> live subscribers
	now      func() int64                  // unix seconds, overridable in tests
}

// New creates a bus over the given outbox store.
func New(store kv.Store, log *logger.Logger) *Bus {
	return &Bus{
		store:    store,
		log:      log,
		counters: make(map[string]int64),
		subs:     make(map[string][]*Subscription),
		now:      func() int64 { return time.Now().Unix() },
	}
}

// Subscription is a live tail of one stream. It never delivers historical
// events; pair it with ReplaySince and de-duplicate by seq.
type Subscription struct {
	stream string
	bus    *Bus
	ch     chan models.UnifiedEvent
	closed bool
}

// C is the live event channel.
func (s *Subscription) C() <-chan models.UnifiedEvent { return s.ch }

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	list := s.bus.subs[s.stream]
	for i, sub := range list {
		if sub == s {
			s.bus.subs[s.stream] = append(list[:i], list[i+1:]...)
			break
		}
	}
	close(s.ch)
}

// Subscribe attaches a live subscriber to a stream.
func (b *Bus) Subscribe(stream string) *Subscription {
	sub := &Subscription{
		stream: stream,
		bus:    b,
		ch:     make(chan models.UnifiedEvent, subscriberBuffer),
	}
	b.mu.Lock()
	b.subs[stream] = append(b.subs[stream], sub)
	b.mu.Unlock()
	return sub
}

// Publish persists one logical event under every relevant view, each with
// its own dense sequence, then fans it out to live subscribers. It returns
// the node-stream sequence (the event id) when the event carries a node
// uuid, otherwise the type-stream sequence. Publish returns only after all
// KV writes succeeded; broadcast failures are logged and ignored.
func (b *Bus) Publish(ctx context.Context, rt models.ResourceType, op models.EventOp, nodeUUID, resourceID string, payload any) (int64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to encode event payload: %w", err)
	}

	streams := []string{StreamAll, StreamForType(rt), StreamForResource(rt, resourceID)}
	if nodeUUID != "" {
		streams = append(streams, StreamForNode(nodeUUID))
	}

	ts := b.now()
	base := models.UnifiedEvent{
		TS:           ts,
		ResourceType: rt,
		ResourceID:   resourceID,
		Op:           op,
		NodeUUID:     nodeUUID,
		Payload:      raw,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var primary int64
	written := make([]models.UnifiedEvent, 0, len(streams))
	for _, stream := range streams {
		seq, err := b.appendLocked(ctx, stream, base)
		if err != nil {
			return 0, err
		}
		ev := base
		ev.Stream = stream
		ev.Seq = seq
		written = append(written, ev)
		switch {
		case stream == StreamForNode(nodeUUID) && nodeUUID != "":
			primary = seq
		case primary == 0 && stream == StreamForType(rt):
			primary = seq
		}
	}

	for _, ev := range written {
		b.fanoutLocked(ev)
	}
	return primary, nil
}

// appendLocked allocates the next sequence for a stream and persists the
// event. The counter only advances after a successful write so a failed put
// never leaves a gap.
func (b *Bus) appendLocked(ctx context.Context, stream string, ev models.UnifiedEvent) (int64, error) {
	last, ok := b.counters[stream]
	if !ok {
		tail, err := b.tailSeq(ctx, stream)
		if err != nil {
			return 0, err
		}
		last = tail
	}
	seq := last + 1
	ev.Stream = stream
	ev.Seq = seq
	raw, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("failed to encode event: %w", err)
	}
	if err := b.store.Put(ctx, eventKey(stream, seq), raw); err != nil {
		return 0, fmt.Errorf("failed to persist event %s/%d: %w", stream, seq, err)
	}
	b.counters[stream] = seq
	return seq, nil
}

// tailSeq recovers the last persisted sequence of a stream after a restart.
func (b *Bus) tailSeq(ctx context.Context, stream string) (int64, error) {
	pairs, err := b.store.ScanPrefix(ctx, keyPrefix+stream+"/")
	if err != nil {
		return 0, fmt.Errorf("failed to scan stream %s: %w", stream, err)
	}
	var max int64
	for _, p := range pairs {
		if seq, ok := parseSeq(stream, p.Key); ok && seq > max {
			max = seq
		}
	}
	return max, nil
}

func (b *Bus) fanoutLocked(ev models.UnifiedEvent) {
	for _, sub := range b.subs[ev.Stream] {
		select {
		case sub.ch <- ev:
		default:
			// Subscriber is lagging: drop the oldest buffered event to make
			// room. Replay recovers the loss.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
				b.log.Warn("event dropped for lagging subscriber", "stream", ev.Stream, "seq", ev.Seq)
			}
		}
	}
}

// ReplaySince returns up to limit persisted events of a stream with
// seq > afterSeq, ordered by seq ascending.
func (b *Bus) ReplaySince(ctx context.Context, stream string, afterSeq int64, limit int) ([]models.UnifiedEvent, error) {
	pairs, err := b.store.ScanPrefix(ctx, keyPrefix+stream+"/")
	if err != nil {
		return nil, fmt.Errorf("failed to scan stream %s: %w", stream, err)
	}
	events := make([]models.UnifiedEvent, 0)
	for _, p := range pairs {
		seq, ok := parseSeq(stream, p.Key)
		if !ok || seq <= afterSeq {
			continue
		}
		var ev models.UnifiedEvent
		if err := json.Unmarshal(p.Value, &ev); err != nil {
			b.log.Warn("skipping undecodable event", "stream", stream, "key", p.Key, "error", err)
			continue
		}
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// eventKey uses a fixed-width decimal suffix so lexical key order equals
// numeric sequence order.
func eventKey(stream string, seq int64) string {
	return fmt.Sprintf("%s%s/%020d", keyPrefix, stream, seq)
}

func parseSeq(stream, key string) (int64, bool) {
	suffix, ok := strings.CutPrefix(key, keyPrefix+stream+"/")
	if !ok {
		return 0, false
	}
	seq, err := strconv.ParseInt(suffix, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}
