// Package deviceacct implements the Device Accountant (spec §4.A): it
// multiplexes a finite set of local GPUs across exclusive (vLLM-style),
// shareable (embedding/rerank), and user-pinned allocations.
//
// # Concurrency
//
// A single sync.Mutex guards all three device maps. Allocation is rare
// relative to the invocation hot path the reference codebase optimises for
// (internal/pool), so — unlike functionPool's sync.RWMutex plus atomics —
// one plain mutex is sufficient here; see the package doc of the reference
// internal/pool for the contrasting hot-path discipline this deliberately
// does not need.
//
// # What the accountant does not know
//
// The accountant has no notion of "vLLM"; it asks a supplied VLLMProbe
// closure, keeping it decoupled from the Supervisor (spec §4.A rationale).
package deviceacct

import (
	"sort"
	"sync"

	"github.com/cortexnode/worker/internal/domain"
	"github.com/cortexnode/worker/internal/logging"
)

// VLLMProbe reports whether the model running in the given replica UID is
// vLLM-backed (monopolises GPU memory). Supplied by the Supervisor Client.
type VLLMProbe func(replicaUID string) bool

type pinnedTenant struct {
	uid       string
	modelType domain.ModelType
}

// Accountant tracks GPU ownership across the exclusive, embedding, and
// user-pinned maps described in spec §3 "Device Maps".
type Accountant struct {
	mu sync.Mutex

	totalGPUs []int // ordered, static

	exclusive map[int]string              // gpu -> replica_uid
	embedding map[int]map[string]struct{} // gpu -> set<replica_uid>
	pinned    map[int][]pinnedTenant      // gpu -> set<(replica_uid, model_type)>

	probe VLLMProbe
}

// New constructs an Accountant over the given ordered GPU index list.
func New(totalGPUs []int, probe VLLMProbe) *Accountant {
	cp := append([]int(nil), totalGPUs...)
	sort.Ints(cp)
	return &Accountant{
		totalGPUs: cp,
		exclusive: make(map[int]string),
		embedding: make(map[int]map[string]struct{}),
		pinned:    make(map[int][]pinnedTenant),
		probe:     probe,
	}
}

func contains(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// tenantCountLocked returns the number of tenants currently occupying gpu, summed
// across exclusive + embedding + user-pinned (spec §4.A AllocateForEmbedding).
func (a *Accountant) tenantCountLocked(gpu int) int {
	n := 0
	if _, ok := a.exclusive[gpu]; ok {
		n++
	}
	n += len(a.embedding[gpu])
	n += len(a.pinned[gpu])
	return n
}

// hasNonEmbeddingPinnedLocked reports whether gpu carries any user-pinned
// allocation whose model type is not embedding/rerank.
func (a *Accountant) hasNonEmbeddingPinnedLocked(gpu int) bool {
	for _, t := range a.pinned[gpu] {
		if t.modelType != domain.ModelTypeEmbedding && t.modelType != domain.ModelTypeRerank {
			return true
		}
	}
	return false
}

// AllocateExclusive picks n GPU indices for an exclusive (typically vLLM)
// model. Candidates must have no exclusive owner and no non-embedding
// user-pinned tenant (spec §4.A, invariant 3). Returns them sorted
// ascending, or NoSlot if fewer than n candidates exist.
func (a *Accountant) AllocateExclusive(uid string, n int) ([]int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var candidates []int
	for _, gpu := range a.totalGPUs {
		if _, owned := a.exclusive[gpu]; owned {
			continue
		}
		if a.hasNonEmbeddingPinnedLocked(gpu) {
			continue
		}
		candidates = append(candidates, gpu)
		if len(candidates) == n {
			break
		}
	}
	if len(candidates) < n {
		return nil, domain.NoSlot("insufficient GPU slots for exclusive allocation")
	}

	sort.Ints(candidates)
	for _, gpu := range candidates {
		a.exclusive[gpu] = uid
	}
	return candidates, nil
}

// AllocateForEmbedding picks a single GPU for a shareable embedding/rerank
// model. Candidates are GPUs with neither an exclusive owner nor any
// user-pinned tenant, plus GPUs whose current exclusive/pinned occupants are
// all non-vLLM-backed (queried via VLLMProbe). Among candidates, the GPU
// with the fewest current tenants wins.
func (a *Accountant) AllocateForEmbedding(uid string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	best := -1
	bestCount := -1
	for _, gpu := range a.totalGPUs {
		if !a.isEmbeddingCandidateLocked(gpu) {
			continue
		}
		count := a.tenantCountLocked(gpu)
		if best == -1 || count < bestCount {
			best, bestCount = gpu, count
		}
	}
	if best == -1 {
		return 0, domain.NoSlot("no GPU available for embedding allocation")
	}
	if a.embedding[best] == nil {
		a.embedding[best] = make(map[string]struct{})
	}
	a.embedding[best][uid] = struct{}{}
	return best, nil
}

func (a *Accountant) isEmbeddingCandidateLocked(gpu int) bool {
	_, hasExclusive := a.exclusive[gpu]
	hasPinned := len(a.pinned[gpu]) > 0

	if !hasExclusive && !hasPinned {
		return true
	}

	// Open question (spec §9): when both an exclusive occupant and pinned
	// tenants exist on the same GPU, we require ALL occupants (exclusive
	// owner plus every pinned tenant) to be non-vLLM-backed before treating
	// the GPU as a shareable candidate. This is the conservative reading of
	// the ambiguous source behaviour.
	if hasExclusive && a.probe != nil && a.probe(a.exclusive[gpu]) {
		return false
	}
	for _, t := range a.pinned[gpu] {
		if a.probe != nil && a.probe(t.uid) {
			return false
		}
	}
	return true
}

// AllocatePinned validates and records a user-pinned allocation across the
// given indices. Fails BadDevice (InvalidArg) if any index is not in
// totalGPUs, or Conflict if any index is currently held by a vLLM-backed
// replica.
func (a *Accountant) AllocatePinned(uid string, modelType domain.ModelType, indices []int) ([]int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, idx := range indices {
		if !contains(a.totalGPUs, idx) {
			return nil, domain.InvalidArgf("gpu index %d is not a worker-managed device", idx)
		}
	}
	for _, idx := range indices {
		if owner, ok := a.exclusive[idx]; ok && a.probe != nil && a.probe(owner) {
			return nil, domain.Conflict("gpu is held by a vLLM-backed replica")
		}
	}

	sorted := append([]int(nil), indices...)
	sort.Ints(sorted)

	for _, idx := range sorted {
		if a.tenantCountLocked(idx) > 0 {
			logging.Op().Warn("pinning onto a GPU with existing tenants", "gpu", idx, "uid", uid)
		}
		a.pinned[idx] = append(a.pinned[idx], pinnedTenant{uid: uid, modelType: modelType})
	}
	return sorted, nil
}

// Release removes uid from all three device maps wherever it appears.
func (a *Accountant) Release(uid string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for gpu, owner := range a.exclusive {
		if owner == uid {
			delete(a.exclusive, gpu)
		}
	}
	for gpu, set := range a.embedding {
		delete(set, uid)
		if len(set) == 0 {
			delete(a.embedding, gpu)
		}
	}
	for gpu, tenants := range a.pinned {
		kept := tenants[:0]
		for _, t := range tenants {
			if t.uid != uid {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(a.pinned, gpu)
		} else {
			a.pinned[gpu] = kept
		}
	}
}

// ExclusiveOwner returns the gpu -> replica_uid map (a copy), for
// introspection and testing against spec invariant 3 and E1/E2 scenarios.
func (a *Accountant) ExclusiveOwner() map[int]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[int]string, len(a.exclusive))
	for k, v := range a.exclusive {
		out[k] = v
	}
	return out
}
