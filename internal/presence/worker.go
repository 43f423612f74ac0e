package presence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ble_presence/internal/bluetooth"
	"ble_presence/internal/metrics"
	"ble_presence/internal/registry"
	"ble_presence/internal/sightings"
)

const (
	DefaultInterval   = 15 * time.Second
	DefaultScanWindow = bluetooth.DefaultScanWindow
)

// Resolver maps a discovered address to a known device.
//
// *registry.Registry satisfies this.
type Resolver interface {
	Resolve(address string) (registry.Entry, bool)
}

type Worker struct {
	log         zerolog.Logger
	scanner     bluetooth.Scanner
	devices     Resolver
	store       sightings.Store
	interval    time.Duration
	scanWindow  time.Duration
	scanTimeout time.Duration
	metrics     *metrics.Metrics

	now   func() time.Time
	newID func() string
}

type Options struct {
	// Interval is the idle time between the end of one cycle and the next scan.
	Interval time.Duration
	// ScanWindow is how long each discovery listens for advertisers.
	ScanWindow time.Duration
	// ScanTimeout bounds the whole discovery call, including adapter wind-down.
	ScanTimeout time.Duration
}

func New(log zerolog.Logger, scanner bluetooth.Scanner, devices Resolver, store sightings.Store, opts Options, m *metrics.Metrics) *Worker {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	window := opts.ScanWindow
	if window <= 0 {
		window = DefaultScanWindow
	}
	timeout := opts.ScanTimeout
	if timeout <= window {
		timeout = window + 5*time.Second
	}

	return &Worker{
		log:         log,
		scanner:     scanner,
		devices:     devices,
		store:       store,
		interval:    interval,
		scanWindow:  window,
		scanTimeout: timeout,
		metrics:     m,
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// Result summarizes one scan cycle.
type Result struct {
	ScanID     string
	Discovered int
	// Matched maps registry name to registry address for every known device seen.
	Matched map[string]string
	// At is the shared timestamp of the batch; zero when nothing was logged.
	At     time.Time
	Logged bool
}

// Run scans immediately and then once per interval until ctx is canceled.
// Cycle failures are logged and never stop the loop.
func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.scanner == nil || w.store == nil {
		return
	}

	w.log.Info().Dur("interval", w.interval).Dur("scan_window", w.scanWindow).Msg("presence scan loop started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("presence scan loop stopped")
			return
		case <-timer.C:
		}

		w.RunOnce(ctx)

		w.log.Debug().Dur("sleep", w.interval).Msg("sleeping till next scan")
		timer.Reset(w.interval)
	}
}

// RunOnce performs a single Scanning -> Matching -> Logging cycle followed by
// a dump of the store contents.
func (w *Worker) RunOnce(ctx context.Context) Result {
	res := Result{ScanID: w.newID()}
	log := w.log.With().Str("scan_id", res.ScanID).Logger()

	w.metrics.IncScan()
	start := time.Now()
	defer func() {
		w.metrics.ObserveScanDuration(time.Since(start))
	}()

	log.Info().Msg("scanning")
	ads := w.discover(ctx, log)
	res.Discovered = len(ads)

	res.Matched = w.match(ads, log)
	if len(res.Matched) == 0 {
		log.Info().Int("discovered", res.Discovered).Msg("no known devices nearby")
	} else {
		// One timestamp for the whole batch, taken after matching.
		at := w.now().UTC()
		if err := w.store.AppendSightings(ctx, res.Matched, at); err != nil {
			w.metrics.IncStoreError("append")
			log.Error().Err(err).Int("devices", len(res.Matched)).Msg("failed to log sightings")
		} else {
			res.At = at
			res.Logged = true
			for name := range res.Matched {
				w.metrics.AddSighting(name)
			}
			log.Info().
				Int("devices", len(res.Matched)).
				Str("at", sightings.FormatTimestamp(at)).
				Msg("logged devices in the sighting store")
		}
	}

	w.dump(ctx, log)
	return res
}

func (w *Worker) discover(ctx context.Context, log zerolog.Logger) []bluetooth.Advertisement {
	scanCtx, cancel := context.WithTimeout(ctx, w.scanTimeout)
	defer cancel()

	ads, err := w.scanner.Discover(scanCtx, w.scanWindow)
	if err != nil {
		reason := "failure"
		if errors.Is(err, bluetooth.ErrDiscoveryTimeout) || errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		w.metrics.IncDiscoveryFailure(reason)
		log.Warn().Err(err).Str("reason", reason).Msg("ble discovery failed; treating as no devices")
		return nil
	}

	for _, ad := range ads {
		log.Debug().Str("address", ad.Address).Str("name", ad.Name).Int16("rssi", ad.RSSI).Msg("advertiser discovered")
	}
	return ads
}

func (w *Worker) match(ads []bluetooth.Advertisement, log zerolog.Logger) map[string]string {
	matched := make(map[string]string)
	if w.devices == nil {
		return matched
	}
	for _, ad := range ads {
		e, ok := w.devices.Resolve(ad.Address)
		if !ok {
			continue
		}
		matched[e.Name] = e.Address
		log.Info().Str("device", e.Name).Str("address", e.Address).Msg("known device is nearby")
	}
	return matched
}

func (w *Worker) dump(ctx context.Context, log zerolog.Logger) {
	records, err := w.store.Snapshot(ctx)
	if err != nil {
		w.metrics.IncStoreError("snapshot")
		log.Warn().Err(err).Msg("failed to read sighting store")
		return
	}
	for _, r := range records {
		log.Info().Str("key", r.Key).Strs("timestamps", r.Timestamps).Msg("sighting record")
	}
	log.Debug().Int("records", len(records)).Msg("verified sighting store")
}
