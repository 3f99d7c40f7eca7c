package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/kiranshivaraju/mattehub/pkg/models"
)

// ErrInvalidAddress is returned for worker addresses that are not absolute
// http or https URLs.
var ErrInvalidAddress = errors.New("invalid worker address")

// HeartbeatStore is what the monitor needs from the worker registry.
type HeartbeatStore interface {
	RecordHeartbeat(ctx context.Context, address string, at time.Time, message string) (*models.Worker, error)
	MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Monitor takes workers out of rotation when their heartbeat goes quiet.
type Monitor struct {
	store   HeartbeatStore
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// NewMonitor creates a Monitor. A nil clock or logger uses the defaults.
func NewMonitor(st HeartbeatStore, timeout time.Duration, now func() time.Time, logger *slog.Logger) *Monitor {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{store: st, timeout: timeout, now: now, logger: logger}
}

// Sweep marks offline every worker whose last heartbeat is older than the
// timeout, and returns their addresses.
func (m *Monitor) Sweep(ctx context.Context) ([]string, error) {
	cutoff := m.now().Add(-m.timeout)
	addresses, err := m.store.MarkStaleOffline(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("heartbeat sweep: %w", err)
	}
	for _, addr := range addresses {
		m.logger.Warn("worker heartbeat stale, marked offline", "worker", addr, "cutoff", cutoff)
	}
	return addresses, nil
}

// Beat records a heartbeat, registering the worker on first contact.
func (m *Monitor) Beat(ctx context.Context, address, message string) (*models.Worker, error) {
	if err := ValidateAddress(address); err != nil {
		return nil, err
	}
	w, err := m.store.RecordHeartbeat(ctx, address, m.now(), message)
	if err != nil {
		return nil, fmt.Errorf("record heartbeat: %w", err)
	}
	return w, nil
}

// ValidateAddress checks that address is an absolute http(s) URL with a host.
func ValidateAddress(address string) error {
	u, err := url.Parse(address)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q must be an absolute http(s) URL", ErrInvalidAddress, address)
	}
	return nil
}
