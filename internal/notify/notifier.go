package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"pulsewatch-backend/internal/alert"
	"pulsewatch-backend/internal/oncall"
)

const (
	ChannelEmail   = "email"
	ChannelSMS     = "sms"
	ChannelWebhook = "webhook"
	ChannelInApp   = "inapp"
)

func KnownChannel(c string) bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelWebhook, ChannelInApp:
		return true
	}
	return false
}

// Target is one deliverable: a contact reached over one channel at one address.
type Target struct {
	Contact oncall.Contact
	Channel string
	Address string
}

type Message struct {
	AlertID  string            `json:"alertId"`
	Severity alert.Severity    `json:"severity"`
	Metric   string            `json:"metric"`
	Level    int               `json:"level"`
	Summary  string            `json:"summary"`
	Tags     map[string]string `json:"tags,omitempty"`
	At       time.Time         `json:"at"`
}

type Notifier interface {
	Send(ctx context.Context, target Target, msg Message) error
}

// Targets expands contacts into per-channel deliverables. A non-empty allowed
// list keeps only those channels; an empty list keeps every channel the
// contact has an address for. Channel order is sorted so dispatch is
// deterministic.
func Targets(contacts []oncall.Contact, allowed []string) []Target {
	var out []Target
	for _, c := range contacts {
		chans := make([]string, 0, len(c.Channels))
		for ch := range c.Channels {
			chans = append(chans, ch)
		}
		sort.Strings(chans)
		for _, ch := range chans {
			if len(allowed) > 0 && !channelAllowed(allowed, ch) {
				continue
			}
			addr := c.Channels[ch]
			if addr == "" {
				continue
			}
			out = append(out, Target{Contact: c, Channel: ch, Address: addr})
		}
	}
	return out
}

func channelAllowed(allowed []string, ch string) bool {
	for _, a := range allowed {
		if a == ch {
			return true
		}
	}
	return false
}

// Registry maps channel types to their Notifier implementations.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Notifier
}

func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Notifier)}
}

func (r *Registry) Register(channel string, n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[channel] = n
}

func (r *Registry) Lookup(channel string) (Notifier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.channels[channel]
	return n, ok
}
