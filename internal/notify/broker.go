package notify

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"assessment-sync/internal/config"
	"assessment-sync/internal/logger"
	"assessment-sync/internal/store"
)

// LogSink records delivery attempts.
type LogSink interface {
	AppendNotificationLog(ctx context.Context, entry *store.NotificationLog) error
}

// Handler receives messages matched by a subscription.
type Handler func(ctx context.Context, m Message)

type subscription struct {
	id      uint64
	filter  MessageFilter
	handler Handler
}

// Metrics are the broker's running totals.
type Metrics struct {
	Published      int64 `json:"published"`
	Delivered      int64 `json:"delivered"`
	Failed         int64 `json:"failed"`
	Delayed        int64 `json:"delayed"`
	PatternMatches int64 `json:"pattern_matches"`
	PeakQueueDepth int64 `json:"peak_queue_depth"`
}

type Option func(*Broker)

// WithClock replaces the broker clock.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// Broker fans published messages out to subscribers and to the channels
// routed for their severity. Publishing only enqueues; Run (or Drain)
// delivers.
type Broker struct {
	sink        LogSink
	sendTimeout time.Duration
	now         func() time.Time

	queue chan Message
	wake  chan struct{}

	mu       sync.Mutex
	channels map[string]Channel
	routes   map[Severity][]string
	subs     []subscription
	nextSub  uint64
	delayed  delayQueue
	history  []Message
	histNext int
	histFull bool

	published      atomic.Int64
	delivered      atomic.Int64
	failed         atomic.Int64
	delayedCount   atomic.Int64
	patternMatches atomic.Int64
	peakDepth      atomic.Int64
}

func NewBroker(cfg config.NotificationsConfig, sink LogSink, opts ...Option) *Broker {
	size := cfg.QueueSize
	if size <= 0 {
		size = 1024
	}
	routes := cfg.Routes
	if len(routes) == 0 {
		routes = config.DefaultSeverityRoutes()
	}
	b := &Broker{
		sink:        sink,
		sendTimeout: cfg.SendTimeout,
		now:         time.Now,
		queue:       make(chan Message, size),
		wake:        make(chan struct{}, 1),
		channels:    map[string]Channel{},
		routes:      map[Severity][]string{},
		history:     make([]Message, max(cfg.HistorySize, 0)),
	}
	for sev, names := range routes {
		b.routes[Severity(sev)] = append([]string(nil), names...)
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Register adds or replaces a channel under its name.
func (b *Broker) Register(ch Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels[ch.Name()] = ch
}

// Routes returns the channel names a severity is routed to.
func (b *Broker) Routes(s Severity) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.routes[s]...)
}

// Subscribe calls h for every delivered message that matches f. The
// returned func removes the subscription.
func (b *Broker) Subscribe(f MessageFilter, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	id := b.nextSub
	b.subs = append(b.subs, subscription{id: id, filter: f, handler: h})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish enqueues m. A DeliverAt in the future parks it until then. It
// blocks while the queue is full.
func (b *Broker) Publish(ctx context.Context, m Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.PublishedAt.IsZero() {
		m.PublishedAt = b.now().UTC()
	}
	if m.Severity != "" && !m.Severity.Valid() {
		return fmt.Errorf("unknown severity %q", m.Severity)
	}
	b.published.Add(1)

	if m.DeliverAt.After(b.now()) {
		b.mu.Lock()
		heap.Push(&b.delayed, m)
		b.mu.Unlock()
		b.delayedCount.Add(1)
		b.notePeak()
		select {
		case b.wake <- struct{}{}:
		default:
		}
		return nil
	}

	select {
	case b.queue <- m:
		b.notePeak()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) notePeak() {
	b.mu.Lock()
	depth := int64(len(b.queue) + b.delayed.Len())
	b.mu.Unlock()
	for {
		peak := b.peakDepth.Load()
		if depth <= peak || b.peakDepth.CompareAndSwap(peak, depth) {
			return
		}
	}
}

// Run delivers queued and due delayed messages until ctx ends.
func (b *Broker) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		b.releaseDue(ctx)

		wait := time.Hour
		if at, ok := b.nextDue(); ok {
			wait = max(at.Sub(b.now()), 0)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case m := <-b.queue:
			b.Deliver(ctx, m)
		case <-b.wake:
		case <-timer.C:
		}
	}
}

// Drain delivers everything queued now, plus delayed messages already due,
// and returns how many messages it delivered.
func (b *Broker) Drain(ctx context.Context) int {
	n := b.releaseDue(ctx)
	for {
		select {
		case m := <-b.queue:
			b.Deliver(ctx, m)
			n++
		default:
			return n
		}
	}
}

func (b *Broker) nextDue() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.delayed.Len() == 0 {
		return time.Time{}, false
	}
	return b.delayed[0].DeliverAt, true
}

func (b *Broker) releaseDue(ctx context.Context) int {
	now := b.now()
	var due []Message
	b.mu.Lock()
	for b.delayed.Len() > 0 && !b.delayed[0].DeliverAt.After(now) {
		due = append(due, heap.Pop(&b.delayed).(Message))
	}
	b.mu.Unlock()
	for _, m := range due {
		b.Deliver(ctx, m)
	}
	return len(due)
}

// Deliver hands m to matching subscribers and to every channel routed for
// its severity, writing one NotificationLog row per routed channel. A
// failing channel does not stop the others.
func (b *Broker) Deliver(ctx context.Context, m Message) []*store.NotificationLog {
	b.mu.Lock()
	b.remember(m)
	subs := append([]subscription(nil), b.subs...)
	names := append([]string(nil), b.routes[m.Severity]...)
	channels := make([]Channel, len(names))
	for i, n := range names {
		channels[i] = b.channels[n]
	}
	b.mu.Unlock()

	for _, s := range subs {
		if s.filter.Match(m) {
			b.patternMatches.Add(1)
			b.callHandler(ctx, s, m)
		}
	}
	if m.Severity == "" {
		return nil
	}

	n := Notification{Subject: m.Subject, Message: m.Body, Severity: m.Severity, Metadata: metadataOf(m)}
	rows := make([]*store.NotificationLog, 0, len(names))
	for i, name := range names {
		row := &store.NotificationLog{
			JobID:     m.JobID,
			Topic:     m.Topic,
			Subject:   m.Subject,
			Message:   m.Body,
			Severity:  string(m.Severity),
			Channel:   name,
			Metadata:  encodeMetadata(n.Metadata),
			CreatedAt: b.now().UTC(),
		}
		ch := channels[i]
		if ch == nil {
			row.Error = "channel not configured"
		} else {
			row.Recipient = ch.Recipient()
			if err := b.send(ctx, ch, n); err != nil {
				row.Error = err.Error()
			} else {
				row.Success = true
			}
		}
		if row.Success {
			b.delivered.Add(1)
		} else {
			b.failed.Add(1)
			logger.Log.Warn("notification delivery failed",
				zap.String("channel", name),
				zap.String("topic", m.Topic),
				zap.String("job_id", m.JobID),
				zap.String("error", row.Error),
			)
		}
		if b.sink != nil {
			if err := b.sink.AppendNotificationLog(ctx, row); err != nil {
				logger.Log.Error("failed to write notification log", zap.String("channel", name), zap.Error(err))
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func (b *Broker) send(ctx context.Context, ch Channel, n Notification) (err error) {
	if b.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.sendTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel %s panicked: %v", ch.Name(), r)
		}
	}()
	return ch.Send(ctx, n)
}

func (b *Broker) callHandler(ctx context.Context, s subscription, m Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("subscriber panicked", zap.Uint64("subscription", s.id), zap.Any("panic", r))
		}
	}()
	s.handler(ctx, m)
}

// remember appends m to the history ring. Callers hold b.mu.
func (b *Broker) remember(m Message) {
	if len(b.history) == 0 {
		return
	}
	b.history[b.histNext] = m
	b.histNext = (b.histNext + 1) % len(b.history)
	if b.histNext == 0 {
		b.histFull = true
	}
}

// History returns the retained messages, oldest first.
func (b *Broker) History() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.histFull {
		return append([]Message(nil), b.history[:b.histNext]...)
	}
	out := make([]Message, 0, len(b.history))
	out = append(out, b.history[b.histNext:]...)
	return append(out, b.history[:b.histNext]...)
}

// Replay calls h with every retained message matching f, oldest first.
// Channels are not involved.
func (b *Broker) Replay(ctx context.Context, f MessageFilter, h Handler) int {
	n := 0
	for _, m := range b.History() {
		if f.Match(m) {
			h(ctx, m)
			n++
		}
	}
	return n
}

func (b *Broker) Metrics() Metrics {
	return Metrics{
		Published:      b.published.Load(),
		Delivered:      b.delivered.Load(),
		Failed:         b.failed.Load(),
		Delayed:        b.delayedCount.Load(),
		PatternMatches: b.patternMatches.Load(),
		PeakQueueDepth: b.peakDepth.Load(),
	}
}

func metadataOf(m Message) map[string]any {
	md := make(map[string]any, len(m.Metadata)+2)
	for k, v := range m.Metadata {
		md[k] = v
	}
	if m.Topic != "" {
		md["topic"] = m.Topic
	}
	if m.JobID != "" {
		md["job_id"] = m.JobID
	}
	return md
}

func encodeMetadata(md map[string]any) string {
	if len(md) == 0 {
		return ""
	}
	b, err := json.Marshal(md)
	if err != nil {
		return ""
	}
	return string(b)
}

// metadataLines renders metadata as sorted "key: value" lines.
func metadataLines(md map[string]any) string {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %v\n", k, md[k])
	}
	return sb.String()
}

// delayQueue is a min-heap of messages keyed by DeliverAt.
type delayQueue []Message

func (q delayQueue) Len() int { return len(q) }
func (q delayQueue) Less(i, j int) bool {
	if q[i].DeliverAt.Equal(q[j].DeliverAt) {
		return q[i].PublishedAt.Before(q[j].PublishedAt)
	}
	return q[i].DeliverAt.Before(q[j].DeliverAt)
}
func (q delayQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *delayQueue) Push(x any)   { *q = append(*q, x.(Message)) }
func (q *delayQueue) Pop() any {
	old := *q
	n := len(old)
	m := old[n-1]
	*q = old[:n-1]
	return m
}
