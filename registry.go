package lattice

import (
	"bytes"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/lattice-mesh/lattice/pkg/wire"
)

type registryEntry struct {
	link Link
	mode wire.Mode
}

// registry maps each service type to the set of links currently advertising
// it. Entries are added when a peer's hello lands and removed wholesale when
// the link goes down; no entry outlives its link's up state.
type registry struct {
	lk       sync.RWMutex
	services map[wire.ServiceType]map[uuid.UUID]registryEntry
}

func newRegistry() *registry {
	return &registry{
		services: make(map[wire.ServiceType]map[uuid.UUID]registryEntry),
	}
}

// advertise inserts or replaces the (service, link) entry. A link appears at
// most once per service type.
func (r *registry) advertise(link Link, service wire.ServiceType, mode wire.Mode) {
	r.lk.Lock()
	defer r.lk.Unlock()

	entries, ok := r.services[service]
	if !ok {
		entries = make(map[uuid.UUID]registryEntry)
		r.services[service] = entries
	}
	entries[link.ID] = registryEntry{link: link, mode: mode}
}

// withdraw removes every entry for the link. Called exactly once, when the
// link transitions to down.
func (r *registry) withdraw(link Link) {
	r.lk.Lock()
	defer r.lk.Unlock()

	for service, entries := range r.services {
		delete(entries, link.ID)
		if len(entries) == 0 {
			delete(r.services, service)
		}
	}
}

// peersOf returns a snapshot of the links advertising the service under the
// given role filter, ordered by link id. Callers must tolerate entries going
// stale between snapshot and use; that race is expected and benign.
func (r *registry) peersOf(service wire.ServiceType, filter wire.Mode) []Link {
	r.lk.RLock()
	var links []Link
	for _, entry := range r.services[service] {
		if entry.mode.Matches(filter) {
			links = append(links, entry.link)
		}
	}
	r.lk.RUnlock()

	sort.Slice(links, func(i, j int) bool {
		return bytes.Compare(links[i].ID[:], links[j].ID[:]) < 0
	})
	return links
}
