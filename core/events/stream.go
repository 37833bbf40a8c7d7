package events

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultHistoryLimit = 2048

// Record is the serialised form of an event delivered to stream subscribers.
type Record struct {
	ID         string            `json:"id"`
	Sequence   uint64            `json:"sequence"`
	Cursor     string            `json:"cursor"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  int64             `json:"timestamp"`
}

func cloneRecord(rec Record) Record {
	cloned := rec
	if rec.Attributes != nil {
		cloned.Attributes = make(map[string]string, len(rec.Attributes))
		for k, v := range rec.Attributes {
			cloned.Attributes[k] = v
		}
	}
	return cloned
}

// Broadcaster keeps a bounded history of emitted events and fans new events
// out to live subscribers. Slow subscribers drop events rather than block
// the emitter.
type Broadcaster struct {
	mu      sync.Mutex
	seq     uint64
	nextID  uint64
	limit   int
	history []Record
	subs    map[uint64]chan Record
	nowFn   func() time.Time
}

// NewBroadcaster constructs a broadcaster retaining up to limit records.
func NewBroadcaster(limit int) *Broadcaster {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &Broadcaster{
		limit: limit,
		subs:  make(map[uint64]chan Record),
		nowFn: time.Now,
	}
}

// SetNowFunc overrides the clock used to timestamp records.
func (b *Broadcaster) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	b.mu.Lock()
	b.nowFn = now
	b.mu.Unlock()
}

// Emit implements the Emitter interface.
func (b *Broadcaster) Emit(evt Event) {
	if b == nil || evt == nil {
		return
	}
	rec := Record{Type: evt.EventType()}
	if attributed, ok := evt.(Attributed); ok {
		rec.Attributes = attributed.Attributes()
	}
	if rec.Attributes == nil {
		rec.Attributes = map[string]string{}
	}

	b.mu.Lock()
	b.seq++
	rec.ID = uuid.NewString()
	rec.Sequence = b.seq
	rec.Cursor = strconv.FormatUint(rec.Sequence, 10)
	rec.Timestamp = b.nowFn().Unix()
	b.history = append(b.history, cloneRecord(rec))
	if len(b.history) > b.limit {
		excess := len(b.history) - b.limit
		trimmed := make([]Record, b.limit)
		copy(trimmed, b.history[excess:])
		b.history = trimmed
	}
	subscribers := make([]chan Record, 0, len(b.subs))
	for _, ch := range b.subs {
		subscribers = append(subscribers, ch)
	}
	b.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- cloneRecord(rec):
		default:
		}
	}
}

// Subscribe registers a subscriber for records emitted after the supplied
// cursor. The backlog holds retained records newer than the cursor; an empty
// cursor yields no backlog.
func (b *Broadcaster) Subscribe(ctx context.Context, cursor string) (<-chan Record, func(), []Record, error) {
	if b == nil {
		return nil, nil, nil, fmt.Errorf("events: broadcaster not configured")
	}
	updates := make(chan Record, 32)

	var since uint64
	hasCursor := false
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		parsed, err := strconv.ParseUint(trimmed, 10, 64)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("events: invalid cursor %q", cursor)
		}
		since = parsed
		hasCursor = true
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = updates
	backlog := make([]Record, 0)
	if hasCursor {
		for _, rec := range b.history {
			if rec.Sequence > since {
				backlog = append(backlog, cloneRecord(rec))
			}
		}
	}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return updates, cancel, backlog, nil
}

// History returns a copy of the retained records.
func (b *Broadcaster) History() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Record, len(b.history))
	for i, rec := range b.history {
		out[i] = cloneRecord(rec)
	}
	return out
}
