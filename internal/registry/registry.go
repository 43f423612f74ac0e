package registry

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// KeySeparator joins a device name and address into a sighting key.
const KeySeparator = "_"

// Entry is one known device.
type Entry struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

// Key returns the sighting key for the entry.
func (e Entry) Key() string {
	return Key(e.Name, e.Address)
}

// Key derives the sighting key for a device.
func Key(name, address string) string {
	return name + KeySeparator + address
}

// Registry is an immutable address -> entry index of known devices.
type Registry struct {
	entries   []Entry
	byAddress map[string]Entry
}

// defaultEntries are the devices tracked when no registry file is given.
var defaultEntries = []Entry{
	{Name: "JBL Tune 520BT-LE-1", Address: "2E4C301A-FF8F-692F-E945-01D27DBCD839"},
	{Name: "JBL Tune 520BT-LE-2", Address: "63971F11-682D-CF9F-6927-B40D1461895F"},
}

// Default returns the built-in registry.
func Default() *Registry {
	r, err := New(defaultEntries)
	if err != nil {
		panic(err)
	}
	return r
}

// New validates entries and builds a registry.
func New(entries []Entry) (*Registry, error) {
	r := &Registry{
		entries:   make([]Entry, 0, len(entries)),
		byAddress: make(map[string]Entry, len(entries)),
	}

	names := make(map[string]struct{}, len(entries))
	keys := make(map[string]struct{}, len(entries))
	for i, raw := range entries {
		e := Entry{
			Name:    strings.TrimSpace(raw.Name),
			Address: strings.TrimSpace(raw.Address),
		}
		if e.Name == "" {
			return nil, fmt.Errorf("registry entry %d: name is required", i)
		}
		if e.Address == "" {
			return nil, fmt.Errorf("registry entry %d (%s): address is required", i, e.Name)
		}
		if _, ok := names[e.Name]; ok {
			return nil, fmt.Errorf("registry entry %d: duplicate name %q", i, e.Name)
		}
		addr := normalizeAddress(e.Address)
		if _, ok := r.byAddress[addr]; ok {
			return nil, fmt.Errorf("registry entry %d: duplicate address %q", i, e.Address)
		}
		if _, ok := keys[e.Key()]; ok {
			return nil, fmt.Errorf("registry entry %d: key %q collides with another entry", i, e.Key())
		}

		names[e.Name] = struct{}{}
		keys[e.Key()] = struct{}{}
		r.byAddress[addr] = e
		r.entries = append(r.entries, e)
	}
	return r, nil
}

type fileFormat struct {
	Devices []Entry `yaml:"devices"`
}

// LoadFile reads a YAML registry of the form:
//
//	devices:
//	  - name: Headphones
//	    address: 2E4C301A-FF8F-692F-E945-01D27DBCD839
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading registry file %q: %w", path, err)
	}

	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing registry file %q: %w", path, err)
	}
	if len(f.Devices) == 0 {
		return nil, errors.New("registry file lists no devices")
	}
	return New(f.Devices)
}

// Lookup returns the registered name for a discovered address.
func (r *Registry) Lookup(address string) (string, bool) {
	e, ok := r.Resolve(address)
	return e.Name, ok
}

// Resolve returns the registered entry for a discovered address.
func (r *Registry) Resolve(address string) (Entry, bool) {
	if r == nil {
		return Entry{}, false
	}
	e, ok := r.byAddress[normalizeAddress(address)]
	return e, ok
}

// Entries returns the registered devices in registration order.
func (r *Registry) Entries() []Entry {
	if r == nil {
		return nil
	}
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len reports the number of registered devices.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}

// normalizeAddress folds case so MAC-style and UUID-style addresses match
// regardless of how the platform stack formats them.
func normalizeAddress(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}
