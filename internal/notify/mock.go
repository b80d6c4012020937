package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"assessment-sync/internal/config"
)

// MockChannel records every send and can be told to fail.
type MockChannel struct {
	name string

	mu    sync.Mutex
	calls []Notification
	failN int
}

func NewMockChannel(name string) *MockChannel {
	return &MockChannel{name: name}
}

func (m *MockChannel) Name() string      { return m.name }
func (m *MockChannel) Recipient() string { return "mock:" + m.name }

func (m *MockChannel) Send(_ context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, n)
	if m.failN > 0 {
		m.failN--
		return errors.New("mock send failure")
	}
	return nil
}

// FailNext makes the next n sends fail.
func (m *MockChannel) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failN = n
}

func (m *MockChannel) Calls() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Notification, len(m.calls))
	copy(out, m.calls)
	return out
}

// ChannelsFromConfig builds the enabled channels. The log channel is always
// present. Pub/Sub needs a publisher, so pub may be nil when it is disabled.
func ChannelsFromConfig(cfg config.NotificationsConfig, client *http.Client, pub Publisher) ([]Channel, error) {
	channels := []Channel{LogChannel{}}
	if cfg.Email.Enabled {
		channels = append(channels, NewEmailChannel(cfg.Email))
	}
	if cfg.SMS.Enabled {
		sms, err := NewSMSChannel(cfg.SMS, client)
		if err != nil {
			return nil, err
		}
		channels = append(channels, sms)
	}
	if cfg.Slack.Enabled {
		channels = append(channels, NewSlackChannel(cfg.Slack, client))
	}
	if cfg.Webhook.Enabled {
		channels = append(channels, NewWebhookChannel(cfg.Webhook, client))
	}
	if cfg.Syslog.Enabled {
		channels = append(channels, NewSyslogChannel(cfg.Syslog))
	}
	if cfg.PubSub.Enabled {
		if pub == nil {
			return nil, fmt.Errorf("pubsub channel enabled without a publisher")
		}
		channels = append(channels, NewPubSubChannel(cfg.PubSub.Topic, pub))
	}
	return channels, nil
}
