// Package bluetooth discovers nearby BLE advertisers.
package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	tinyble "tinygo.org/x/bluetooth"
)

var (
	// ErrDiscoveryTimeout means a scan did not finish within its time bound.
	ErrDiscoveryTimeout = errors.New("ble discovery timed out")
	// ErrDiscoveryFailure wraps adapter and transport errors.
	ErrDiscoveryFailure = errors.New("ble discovery failed")
)

const (
	DefaultScanWindow = 5 * time.Second
	// DefaultStopGrace bounds how long the adapter may take to wind down a
	// scan after StopScan.
	DefaultStopGrace = 3 * time.Second
)

// Advertisement is one discovered advertiser. Address is authoritative;
// Name is whatever the device advertised and may be empty.
type Advertisement struct {
	Address string
	Name    string
	RSSI    int16
}

// Scanner discovers advertisers for the duration of window.
type Scanner interface {
	Discover(ctx context.Context, window time.Duration) ([]Advertisement, error)
}

// Adapter is the subset of *bluetooth.Adapter the scanner drives.
type Adapter interface {
	Enable() error
	Scan(callback func(*tinyble.Adapter, tinyble.ScanResult)) error
	StopScan() error
}

// AdapterScanner runs passive discovery on a host BLE adapter.
type AdapterScanner struct {
	log       zerolog.Logger
	adapter   Adapter
	stopGrace time.Duration

	mu      sync.Mutex
	enabled bool
}

// NewAdapterScanner returns a scanner for the system default adapter when
// adapter is nil.
func NewAdapterScanner(log zerolog.Logger, adapter Adapter) *AdapterScanner {
	if adapter == nil {
		adapter = tinyble.DefaultAdapter
	}
	return &AdapterScanner{log: log, adapter: adapter, stopGrace: DefaultStopGrace}
}

func (s *AdapterScanner) enable() error {
	if s.enabled {
		return nil
	}
	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("%w: enable adapter: %w", ErrDiscoveryFailure, err)
	}
	s.enabled = true
	return nil
}

// Discover scans for window and returns every advertiser seen, one entry per
// address. Only one scan runs at a time on the adapter.
func (s *AdapterScanner) Discover(ctx context.Context, window time.Duration) ([]Advertisement, error) {
	if window <= 0 {
		window = DefaultScanWindow
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enable(); err != nil {
		return nil, err
	}

	c := newCollector()
	done := make(chan error, 1)
	go func() {
		done <- s.adapter.Scan(func(_ *tinyble.Adapter, r tinyble.ScanResult) {
			c.add(advertisementFrom(r))
		})
	}()

	timer := time.NewTimer(window)
	defer timer.Stop()

	select {
	case err := <-done:
		// Scan returned before the window closed; the adapter rejected it.
		if err != nil {
			return nil, fmt.Errorf("%w: scan: %w", ErrDiscoveryFailure, err)
		}
		return c.list(), nil
	case <-ctx.Done():
	case <-timer.C:
	}

	if err := s.adapter.StopScan(); err != nil {
		s.log.Warn().Err(err).Msg("failed to stop ble scan")
	}

	grace := time.NewTimer(s.stopGrace)
	defer grace.Stop()

	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("%w: scan: %w", ErrDiscoveryFailure, err)
		}
	case <-grace.C:
		return nil, fmt.Errorf("%w: adapter did not stop scanning", ErrDiscoveryTimeout)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDiscoveryTimeout, err)
	}
	return c.list(), nil
}

func advertisementFrom(r tinyble.ScanResult) Advertisement {
	ad := Advertisement{Address: r.Address.String(), RSSI: r.RSSI}
	if r.AdvertisementPayload != nil {
		ad.Name = r.LocalName()
	}
	return ad
}

// collector deduplicates advertisements by address.
type collector struct {
	mu   sync.Mutex
	seen map[string]Advertisement
}

func newCollector() *collector {
	return &collector{seen: make(map[string]Advertisement)}
}

func (c *collector) add(ad Advertisement) {
	ad.Address = strings.TrimSpace(ad.Address)
	if ad.Address == "" {
		return
	}
	ad.Name = strings.TrimSpace(ad.Name)

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.seen[ad.Address]; ok && ad.Name == "" {
		ad.Name = prev.Name
	}
	c.seen[ad.Address] = ad
}

func (c *collector) list() []Advertisement {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Advertisement, 0, len(c.seen))
	for _, ad := range c.seen {
		out = append(out, ad)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
