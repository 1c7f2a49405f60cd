package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/wabridge/internal/bus"
)

// ErrNoChannel is returned by Manager.Send when nothing is registered.
var ErrNoChannel = errors.New("no channel registered")

// Status is the health view of one channel.
type Status struct {
	Running bool `json:"running"`
	Primary bool `json:"primary"`
}

// Manager owns the lifecycle of the registered channels and routes outbound
// sends to the primary one (the first registered).
type Manager struct {
	channels map[string]Channel
	primary  string
	mu       sync.RWMutex
}

// NewManager creates an empty channel manager.
func NewManager() *Manager {
	return &Manager{channels: make(map[string]Channel)}
}

// RegisterChannel adds a channel. The first channel becomes the primary.
func (m *Manager) RegisterChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
	if m.primary == "" {
		m.primary = ch.Name()
	}
}

// GetChannel returns a channel by name.
func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// OnMessage registers handler on every channel.
func (m *Manager) OnMessage(handler bus.InboundHandler) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.channels {
		ch.OnMessage(handler)
	}
}

// StartAll starts every registered channel. A channel that fails to start
// fails the whole call so the process does not run deaf.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.channels) == 0 {
		return ErrNoChannel
	}
	for name, ch := range m.channels {
		slog.Info("channel.starting", "channel", name)
		if err := ch.Start(ctx); err != nil {
			return fmt.Errorf("start channel %s: %w", name, err)
		}
	}
	return nil
}

// StopAll stops every channel, logging individual failures.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	for name, ch := range m.channels {
		slog.Info("channel.stopping", "channel", name)
		if err := ch.Stop(ctx); err != nil {
			slog.Error("channel.stop_failed", "channel", name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Send delivers msg through the primary channel.
func (m *Manager) Send(ctx context.Context, msg bus.OutboundMessage) (bus.SendResult, error) {
	m.mu.RLock()
	ch, ok := m.channels[m.primary]
	m.mu.RUnlock()
	if !ok {
		return bus.SendResult{}, ErrNoChannel
	}
	return ch.Send(ctx, msg)
}

// GetStatus returns the running state of every channel.
func (m *Manager) GetStatus() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]Status, len(m.channels))
	for name, ch := range m.channels {
		status[name] = Status{Running: ch.IsRunning(), Primary: name == m.primary}
	}
	return status
}
