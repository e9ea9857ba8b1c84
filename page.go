package isopage

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// PageSize is the fixed size of an isolated page. A payload must fit in
	// one page.
	PageSize = 4096
)

var (
	ErrAllocationFailure = errors.New("isopage: page allocation failed")
)

// RawHandle is the base address of an isolated page. It is only meaningful
// while the owning domain is allocated, and is normally carried inside a
// signed Capability rather than used directly.
type RawHandle uintptr

// IsolatedPage is a single mmap'd page owned by a protection domain. The
// page is mapped read-only except while its domain is unprotected.
type IsolatedPage struct {
	buf    []byte
	domain Domain
	reg    *DomainRegistry
	length int

	dead atomic.Bool
}

// AllocPage maps a zeroed page inside domain d. The page comes up read-only;
// writing requires unprotecting d first.
func AllocPage(reg *DomainRegistry, d Domain) (*IsolatedPage, error) {
	if !reg.Allocated(d) {
		return nil, ErrDomainRevoked
	}
	buf, err := mmapPage(PageSize)
	if err != nil {
		return nil, ErrAllocationFailure
	}
	p := &IsolatedPage{
		buf:    buf,
		domain: d,
		reg:    reg,
	}
	if err = pageProtect(buf, unix.PROT_READ); err != nil {
		munmapPage(buf)
		return nil, ErrAllocationFailure
	}
	if err = reg.addPage(d, p); err != nil {
		munmapPage(buf)
		return nil, err
	}
	return p, nil
}

// Handle returns the page's base address.
func (p *IsolatedPage) Handle() RawHandle {
	if p.buf == nil {
		return 0
	}
	return RawHandle(uintptr(unsafe.Pointer(&p.buf[0])))
}

func (p *IsolatedPage) Domain() Domain {
	return p.domain
}

// Bytes returns the full page. Writes through the returned slice fault
// unless the owning domain is currently unprotected.
func (p *IsolatedPage) Bytes() []byte {
	return p.buf
}

// Len returns the logical payload length recorded by the last write.
func (p *IsolatedPage) Len() int {
	return p.length
}

func (p *IsolatedPage) setLen(n int) {
	p.length = n
}

// Discard unmaps the page and removes it from its domain. Safe to call more
// than once; only the first call does anything.
func (p *IsolatedPage) Discard() {
	if p.buf == nil {
		return
	}
	p.reg.removePage(p.domain, p)
	if err := munmapPage(p.buf); err != nil {
		panic(err)
	}
	p.buf = nil
	p.dead.Store(true)
}

// discardLocked is Discard for callers already holding the registry lock;
// registry bookkeeping is left to the caller.
func (p *IsolatedPage) discardLocked() {
	if p.buf == nil {
		return
	}
	if err := munmapPage(p.buf); err != nil {
		panic(err)
	}
	p.buf = nil
	p.dead.Store(true)
}

// IsDead can be called without locking, with the same caveat as any
// unsynchronised atomic read: true is definite, false is only definite under
// the lock used for Discard.
func (p *IsolatedPage) IsDead() bool {
	return p.dead.Load()
}

func pageProtect(buf []byte, prot int) error {
	return unix.Mprotect(buf, prot)
}
