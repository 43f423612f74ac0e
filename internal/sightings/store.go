// Package sightings persists the per-device history of presence sightings.
//
// Each record maps a device key (see registry.Key) to the chronological list
// of UTC timestamps at which the device was seen since the last retention
// clear. Every Store operation is atomic with respect to every other.
package sightings

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"ble_presence/internal/registry"
)

// TimestampLayout is the on-disk format of a sighting timestamp (UTC).
const TimestampLayout = "2006-01-02 15:04:05"

// ErrStorageUnavailable wraps every failure to open, read or write the store.
var ErrStorageUnavailable = errors.New("sighting storage unavailable")

// Record is the sighting history of one device.
type Record struct {
	Key        string   `json:"key"`
	Timestamps []string `json:"timestamps"`
}

// Store is the persistent sighting log shared by the scan and retention loops.
type Store interface {
	// AppendSightings appends at to the record of every name -> address pair,
	// creating records that do not exist yet.
	AppendSightings(ctx context.Context, devices map[string]string, at time.Time) error
	// ClearAll removes every record.
	ClearAll(ctx context.Context) error
	// Snapshot lists all records ordered by key.
	Snapshot(ctx context.Context) ([]Record, error)
	Ping(ctx context.Context) error
}

// FormatTimestamp renders t in TimestampLayout after converting it to UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}

// sortedKeys returns the sighting keys for devices in a stable order so that
// inserts within one batch are deterministic.
func sortedKeys(devices map[string]string) []string {
	keys := make([]string, 0, len(devices))
	for name, address := range devices {
		keys = append(keys, registry.Key(name, address))
	}
	sort.Strings(keys)
	return keys
}

// recordBuilder groups (key, timestamp) rows that arrive ordered by key and
// then by insertion.
type recordBuilder struct {
	out []Record
}

func (b *recordBuilder) add(key, ts string) {
	if n := len(b.out); n > 0 && b.out[n-1].Key == key {
		b.out[n-1].Timestamps = append(b.out[n-1].Timestamps, ts)
		return
	}
	b.out = append(b.out, Record{Key: key, Timestamps: []string{ts}})
}

func (b *recordBuilder) records() []Record {
	if b.out == nil {
		return []Record{}
	}
	return b.out
}
