package isopage

import (
	"errors"
	"log"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
)

const (
	// MaxDomains is the size of the protection domain pool. Domain ids are
	// drawn from [0, MaxDomains).
	MaxDomains = 16
)

var (
	ErrDomainsExhausted = errors.New("isopage: protection domains exhausted")
	ErrInvalidDomain    = errors.New("isopage: domain not allocated")
	ErrDomainRevoked    = errors.New("isopage: domain has been revoked")
)

var (
	domainsAllocated = prom.NewGauge(prom.GaugeOpts{
		Name: "isopage_domains_allocated",
		Help: "Number of allocated protection domains.",
	})
)

func init() {
	prom.MustRegister(domainsAllocated)
}

// Domain identifies a protection domain. Pages belong to exactly one domain,
// and capabilities are only valid while their domain remains allocated.
type Domain uint16

type domainState struct {
	allocated bool

	// epoch increments when the id is freed and whenever one of its pages
	// is discarded. It is mixed into capability MACs, so capabilities
	// signed before a Free() or before their page was replaced stay dead
	// even if the id or address is later reused.
	epoch uint32

	pages map[*IsolatedPage]struct{}
}

// DomainRegistry owns the fixed pool of protection domain ids and tracks
// which isolated pages belong to each.
type DomainRegistry struct {
	domains [MaxDomains]domainState
	lock    sync.Mutex
}

func NewDomainRegistry() *DomainRegistry {
	return &DomainRegistry{}
}

// Alloc returns the first free domain id, or ErrDomainsExhausted if all
// MaxDomains ids are in use.
func (r *DomainRegistry) Alloc() (Domain, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for i := range r.domains {
		if r.domains[i].allocated {
			continue
		}
		r.domains[i].allocated = true
		if r.domains[i].pages == nil {
			r.domains[i].pages = make(map[*IsolatedPage]struct{})
		}
		domainsAllocated.Inc()
		if debugLog {
			log.Printf("isopage: allocated domain %d (epoch %d)", i, r.domains[i].epoch)
		}
		return Domain(i), nil
	}
	return 0, ErrDomainsExhausted
}

// Free returns d to the pool and revokes every capability signed against it.
// Pages still owned by d are discarded. Freeing an unallocated id is a
// usage error.
func (r *DomainRegistry) Free(d Domain) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if int(d) >= MaxDomains || !r.domains[d].allocated {
		return ErrInvalidDomain
	}
	for p := range r.domains[d].pages {
		p.discardLocked()
		delete(r.domains[d].pages, p)
	}
	r.domains[d].allocated = false
	r.domains[d].epoch++
	domainsAllocated.Dec()
	if debugLog {
		log.Printf("isopage: freed domain %d", d)
	}
	return nil
}

// Allocated reports whether d is currently allocated.
func (r *DomainRegistry) Allocated(d Domain) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return int(d) < MaxDomains && r.domains[d].allocated
}

// domainEpoch returns the current revocation epoch for d. ok is false if d
// is not allocated.
func (r *DomainRegistry) domainEpoch(d Domain) (uint32, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if int(d) >= MaxDomains || !r.domains[d].allocated {
		return 0, false
	}
	return r.domains[d].epoch, true
}

func (r *DomainRegistry) addPage(d Domain, p *IsolatedPage) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if int(d) >= MaxDomains || !r.domains[d].allocated {
		return ErrDomainRevoked
	}
	r.domains[d].pages[p] = struct{}{}
	return nil
}

func (r *DomainRegistry) removePage(d Domain, p *IsolatedPage) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if int(d) >= MaxDomains || r.domains[d].pages == nil {
		return
	}
	if _, ok := r.domains[d].pages[p]; !ok {
		return
	}
	delete(r.domains[d].pages, p)
	if r.domains[d].allocated {
		r.domains[d].epoch++
	}
}

// domainPages returns a snapshot of the pages currently owned by d.
func (r *DomainRegistry) domainPages(d Domain) []*IsolatedPage {
	r.lock.Lock()
	defer r.lock.Unlock()
	if int(d) >= MaxDomains {
		return nil
	}
	pages := make([]*IsolatedPage, 0, len(r.domains[d].pages))
	for p := range r.domains[d].pages {
		pages = append(pages, p)
	}
	return pages
}
