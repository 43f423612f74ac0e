package bluetooth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	tinyble "tinygo.org/x/bluetooth"
)

type fakeAdapter struct {
	enableErr   error
	enableCalls int
	// results are delivered to the scan callback before scanFn runs.
	results []tinyble.ScanResult
	// scanFn runs in place of a real scan; stop is closed by StopScan.
	scanFn func(stop <-chan struct{}) error
	stop   chan struct{}
}

func (f *fakeAdapter) Enable() error {
	f.enableCalls++
	return f.enableErr
}

func (f *fakeAdapter) Scan(callback func(*tinyble.Adapter, tinyble.ScanResult)) error {
	for _, r := range f.results {
		callback(nil, r)
	}
	return f.scanFn(f.stop)
}

func (f *fakeAdapter) StopScan() error {
	close(f.stop)
	return nil
}

func newFakeAdapter(scanFn func(stop <-chan struct{}) error) *fakeAdapter {
	return &fakeAdapter{scanFn: scanFn, stop: make(chan struct{})}
}

func blockUntilStopped(stop <-chan struct{}) error {
	<-stop
	return nil
}

func TestDiscover_EnableFailureIsDiscoveryFailure(t *testing.T) {
	a := newFakeAdapter(blockUntilStopped)
	a.enableErr = errors.New("no adapter")
	s := NewAdapterScanner(zerolog.Nop(), a)

	_, err := s.Discover(context.Background(), 10*time.Millisecond)
	if !errors.Is(err, ErrDiscoveryFailure) {
		t.Fatalf("expected ErrDiscoveryFailure, got %v", err)
	}
}

func TestDiscover_ScanRejectedIsDiscoveryFailure(t *testing.T) {
	a := newFakeAdapter(func(<-chan struct{}) error { return errors.New("busy") })
	s := NewAdapterScanner(zerolog.Nop(), a)

	_, err := s.Discover(context.Background(), time.Second)
	if !errors.Is(err, ErrDiscoveryFailure) {
		t.Fatalf("expected ErrDiscoveryFailure, got %v", err)
	}
}

func TestDiscover_WindowElapsesWithNoAdvertisers(t *testing.T) {
	a := newFakeAdapter(blockUntilStopped)
	s := NewAdapterScanner(zerolog.Nop(), a)

	ads, err := s.Discover(context.Background(), 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(ads) != 0 {
		t.Fatalf("expected no advertisements, got %+v", ads)
	}
}

func TestDiscover_EnablesAdapterOnce(t *testing.T) {
	s := NewAdapterScanner(zerolog.Nop(), nil)
	for i := 0; i < 2; i++ {
		a := newFakeAdapter(blockUntilStopped)
		if i == 1 {
			a.enableErr = errors.New("must not be called")
		}
		s.adapter = a
		if _, err := s.Discover(context.Background(), 5*time.Millisecond); err != nil {
			t.Fatalf("Discover %d: %v", i, err)
		}
	}
}

func TestDiscover_ContextCancelIsTimeout(t *testing.T) {
	a := newFakeAdapter(blockUntilStopped)
	s := NewAdapterScanner(zerolog.Nop(), a)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := s.Discover(ctx, time.Minute)
	if !errors.Is(err, ErrDiscoveryTimeout) {
		t.Fatalf("expected ErrDiscoveryTimeout, got %v", err)
	}
}

func TestDiscover_AdapterThatNeverStopsIsTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	a := newFakeAdapter(func(<-chan struct{}) error {
		<-release
		return nil
	})
	s := NewAdapterScanner(zerolog.Nop(), a)
	s.stopGrace = 20 * time.Millisecond

	start := time.Now()
	_, err := s.Discover(context.Background(), 10*time.Millisecond)
	if !errors.Is(err, ErrDiscoveryTimeout) {
		t.Fatalf("expected ErrDiscoveryTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Discover blocked for %s", elapsed)
	}
}

func TestAdvertisementFrom_NoPayload(t *testing.T) {
	ad := advertisementFrom(tinyble.ScanResult{RSSI: -70})
	if ad.Name != "" || ad.RSSI != -70 {
		t.Fatalf("unexpected advertisement %+v", ad)
	}
}

func TestCollector_DeduplicatesByAddress(t *testing.T) {
	c := newCollector()
	c.add(Advertisement{Address: "BB", Name: "Speaker"})
	c.add(Advertisement{Address: "AA"})
	c.add(Advertisement{Address: "BB", RSSI: -40})
	c.add(Advertisement{Address: "  "})

	got := c.list()
	if len(got) != 2 {
		t.Fatalf("expected 2 advertisements, got %+v", got)
	}
	if got[0].Address != "AA" || got[1].Address != "BB" {
		t.Fatalf("expected sorted addresses, got %+v", got)
	}
	if got[1].Name != "Speaker" {
		t.Fatalf("expected earlier name to be kept, got %+v", got[1])
	}
	if got[1].RSSI != -40 {
		t.Fatalf("expected latest rssi, got %+v", got[1])
	}
}
