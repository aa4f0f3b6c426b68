// Package registry implements the Registration Facade (spec §4.H): a
// static per-model-type dispatch table over parse/register/unregister/
// describe functions, backing the `register_model`/`unregister_model`/
// `list_model_registrations`/`get_model_registration` inbound operations.
package registry

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/cortexnode/worker/internal/domain"
	"github.com/cortexnode/worker/internal/logging"
)

// Family bundles one model type's registration dispatch table. ReadOnly
// families (video, per spec) reject Register/Unregister and always report
// an empty catalog.
type Family struct {
	// ParseSpec validates raw and extracts the registration's name.
	ParseSpec func(raw json.RawMessage) (name string, spec any, err error)
	Register  func(ctx context.Context, name string, spec any) error
	// Unregister removes name. raiseError controls whether a not-found
	// condition is surfaced (false during Register's rollback path).
	Unregister func(ctx context.Context, name string, raiseError bool) error
	Describe   func(ctx context.Context, name string) (domain.ModelDescription, error)
	ReadOnly   bool
}

// CacheTracker is the subset of the Cache Tracker the facade pushes new
// registrations to.
type CacheTracker interface {
	RecordModelVersion(ctx context.Context, desc domain.ModelDescription) error
}

// Entry is one user-defined registration, as surfaced by
// ListRegistrations/GetRegistration.
type Entry struct {
	Name string
	Spec any
}

// Facade holds the static model_type dispatch table plus the live,
// in-memory catalog of user-defined registrations.
type Facade struct {
	families map[domain.ModelType]Family
	cache    CacheTracker

	mu      sync.RWMutex
	entries map[domain.ModelType]map[string]Entry
}

// New constructs a Facade over the given per-family dispatch table.
func New(families map[domain.ModelType]Family, cache CacheTracker) *Facade {
	return &Facade{
		families: families,
		cache:    cache,
		entries:  make(map[domain.ModelType]map[string]Entry),
	}
}

func (f *Facade) family(modelType domain.ModelType) (Family, error) {
	fam, ok := f.families[modelType]
	if !ok {
		return Family{}, domain.InvalidArgf("unknown model_type %q", modelType)
	}
	return fam, nil
}

// Register parses raw, registers the model with its family, and pushes
// version info to the Cache Tracker. A Cache Tracker failure triggers a
// best-effort rollback (Unregister with raiseError=false) before the
// error is re-raised; an InvalidArg from parsing or family registration
// passes through untouched (spec §4.H).
func (f *Facade) Register(ctx context.Context, modelType domain.ModelType, raw json.RawMessage, persist bool) error {
	fam, err := f.family(modelType)
	if err != nil {
		return err
	}
	if fam.ReadOnly {
		return domain.Unsupported(string(modelType) + " registrations are read-only")
	}

	name, spec, err := fam.ParseSpec(raw)
	if err != nil {
		return err
	}

	if err := fam.Register(ctx, name, spec); err != nil {
		return err
	}

	if f.cache != nil && fam.Describe != nil {
		desc, describeErr := fam.Describe(ctx, name)
		if describeErr == nil {
			if cacheErr := f.cache.RecordModelVersion(ctx, desc); cacheErr != nil {
				if unregErr := fam.Unregister(ctx, name, false); unregErr != nil {
					logging.Op().Warn("rollback unregister after cache tracker failure failed", "model_type", modelType, "name", name, "error", unregErr)
				}
				return domain.Downstream("record model version", cacheErr)
			}
		} else {
			logging.Op().Warn("describe after register failed, skipping cache tracker push", "model_type", modelType, "name", name, "error", describeErr)
		}
	}

	f.mu.Lock()
	if f.entries[modelType] == nil {
		f.entries[modelType] = make(map[string]Entry)
	}
	f.entries[modelType][name] = Entry{Name: name, Spec: spec}
	f.mu.Unlock()

	return nil
}

// Unregister dispatches to the family's unregister function and drops the
// in-memory catalog entry.
func (f *Facade) Unregister(ctx context.Context, modelType domain.ModelType, name string) error {
	fam, err := f.family(modelType)
	if err != nil {
		return err
	}
	if fam.ReadOnly {
		return domain.Unsupported(string(modelType) + " registrations are read-only")
	}

	if err := fam.Unregister(ctx, name, true); err != nil {
		return err
	}

	f.mu.Lock()
	delete(f.entries[modelType], name)
	f.mu.Unlock()

	return nil
}

// ListRegistrations returns the user-defined entries for modelType, sorted
// by lowercased name. Read-only families always return an empty list.
func (f *Facade) ListRegistrations(modelType domain.ModelType, detailed bool) ([]Entry, error) {
	fam, err := f.family(modelType)
	if err != nil {
		return nil, err
	}
	if fam.ReadOnly {
		return nil, nil
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]Entry, 0, len(f.entries[modelType]))
	for _, e := range f.entries[modelType] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out, nil
}

// GetRegistration performs a linear lookup over modelType's user-defined
// entries. Read-only families always report NotFound.
func (f *Facade) GetRegistration(modelType domain.ModelType, name string) (Entry, error) {
	fam, err := f.family(modelType)
	if err != nil {
		return Entry{}, err
	}
	if fam.ReadOnly {
		return Entry{}, domain.NotFound("no registration named " + name)
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, e := range f.entries[modelType] {
		if e.Name == name {
			return e, nil
		}
	}
	return Entry{}, domain.NotFound("no registration named " + name)
}
