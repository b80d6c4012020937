// Package notify is the notification broker: topic subscriptions with
// pattern filters, delayed delivery, a bounded replay history and
// severity-routed delivery to external channels.
package notify

import (
	"fmt"
	"regexp"
	"time"

	"assessment-sync/internal/record"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityError:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool { return s.rank() > 0 }

// Max returns the more severe of s and o.
func (s Severity) Max(o Severity) Severity {
	if o.rank() > s.rank() {
		return o
	}
	return s
}

// Standard topics published by the engine.
const (
	TopicJobCompleted    = "job.completed"
	TopicJobFailed       = "job.failed"
	TopicJobCancelled    = "job.cancelled"
	TopicConflictPending = "conflict.pending"
)

// Message is one published notification. Severity routes it to channels;
// a message without a severity only reaches subscribers.
type Message struct {
	ID       string
	Topic    string
	JobID    string
	Source   string
	Target   string
	Subject  string
	Body     string
	Severity Severity
	Metadata map[string]any
	Payload  map[string]any

	PublishedAt time.Time
	// DeliverAt delays delivery until that wall-clock time.
	DeliverAt time.Time
}

// MessageFilter selects messages for a subscription. Every predicate that
// is set must match.
type MessageFilter struct {
	TopicPattern *regexp.Regexp
	Source       string
	Target       string
	// Payload lists field values the message payload must carry.
	Payload map[string]any
}

// TopicFilter compiles a topic pattern into a filter.
func TopicFilter(pattern string) (MessageFilter, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return MessageFilter{}, fmt.Errorf("topic pattern: %w", err)
	}
	return MessageFilter{TopicPattern: re}, nil
}

func (f MessageFilter) Match(m Message) bool {
	if f.TopicPattern != nil && !f.TopicPattern.MatchString(m.Topic) {
		return false
	}
	if f.Source != "" && f.Source != m.Source {
		return false
	}
	if f.Target != "" && f.Target != m.Target {
		return false
	}
	for k, want := range f.Payload {
		got, ok := m.Payload[k]
		if !ok || !record.Equal(got, want) {
			return false
		}
	}
	return true
}
