package retention

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"ble_presence/internal/sightings"
)

type fakeStore struct {
	clearFn func(ctx context.Context) error
}

func (f *fakeStore) AppendSightings(context.Context, map[string]string, time.Time) error {
	return nil
}

func (f *fakeStore) ClearAll(ctx context.Context) error {
	return f.clearFn(ctx)
}

func (f *fakeStore) Snapshot(context.Context) ([]sightings.Record, error) {
	return nil, nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

type everySchedule time.Duration

func (e everySchedule) Next(t time.Time) time.Time {
	return t.Add(time.Duration(e))
}

func TestClearOnce_EmptiesStore(t *testing.T) {
	ctx := context.Background()
	store, err := sightings.NewSQLiteStore(filepath.Join(t.TempDir(), sightings.DefaultPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := store.AppendSightings(ctx, map[string]string{"A": "1"}, time.Now()); err != nil {
		t.Fatalf("append: %v", err)
	}

	l := New(zerolog.Nop(), store, Options{}, nil)
	if err := l.ClearOnce(ctx); err != nil {
		t.Fatalf("ClearOnce: %v", err)
	}

	recs, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected empty store, got %+v", recs)
	}
}

func TestClearOnce_ReturnsStoreError(t *testing.T) {
	l := New(zerolog.Nop(), &fakeStore{
		clearFn: func(context.Context) error { return sightings.ErrStorageUnavailable },
	}, Options{}, nil)

	if err := l.ClearOnce(context.Background()); !errors.Is(err, sightings.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
}

func TestNew_DefaultInterval(t *testing.T) {
	l := New(zerolog.Nop(), &fakeStore{}, Options{}, nil)

	s, ok := l.schedule.(cron.ConstantDelaySchedule)
	if !ok {
		t.Fatalf("expected constant delay schedule, got %T", l.schedule)
	}
	if s.Delay != DefaultInterval {
		t.Fatalf("expected %v, got %v", DefaultInterval, s.Delay)
	}
}

func TestRun_ClearsRepeatedlyAndSurvivesFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var clears int32
	l := New(zerolog.Nop(), &fakeStore{
		clearFn: func(context.Context) error {
			if atomic.AddInt32(&clears, 1) == 1 {
				return sightings.ErrStorageUnavailable
			}
			return nil
		},
	}, Options{}, nil)
	l.schedule = everySchedule(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	deadline := time.After(3 * time.Second)
	for atomic.LoadInt32(&clears) < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected at least 3 clears, got %d", atomic.LoadInt32(&clears))
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestRun_NoStoreIsNoop(t *testing.T) {
	l := New(zerolog.Nop(), nil, Options{}, nil)
	l.Run(context.Background())
}
