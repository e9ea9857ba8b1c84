package isopage

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	ErrProtectionState = errors.New("isopage: invalid protection state transition")
)

// ProtectionMode is the switcher's current state.
type ProtectionMode int

const (
	// ModeProtected: pages in every domain are read-only.
	ModeProtected ProtectionMode = iota
	// ModeUnprotected: the current domain's pages have full access; every
	// other domain stays read-only.
	ModeUnprotected
)

// AccessSwitcher toggles the calling context's access to a domain's pages.
// Exactly one domain can be unprotected at a time, and every Unprotect must
// be paired with a Protect.
type AccessSwitcher struct {
	reg *DomainRegistry

	mode    ProtectionMode
	current Domain
	lock    sync.Mutex
}

func NewAccessSwitcher(reg *DomainRegistry) *AccessSwitcher {
	return &AccessSwitcher{reg: reg}
}

// Unprotect grants full read-write-execute access to d's pages. Calling it
// while already unprotected is a usage error.
func (s *AccessSwitcher) Unprotect(d Domain) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.mode != ModeProtected {
		return fmt.Errorf("%w: unprotect while domain %d is unprotected", ErrProtectionState, s.current)
	}
	if !s.reg.Allocated(d) {
		return ErrDomainRevoked
	}
	if err := s.sweep(d, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return err
	}
	s.mode = ModeUnprotected
	s.current = d
	if debugLog {
		log.Printf("isopage: unprotected domain %d", d)
	}
	return nil
}

// Protect returns the currently unprotected domain's pages to read-only.
// Calling it while already protected is a usage error.
func (s *AccessSwitcher) Protect() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.mode != ModeUnprotected {
		return fmt.Errorf("%w: protect while already protected", ErrProtectionState)
	}
	if err := s.sweep(s.current, unix.PROT_READ); err != nil {
		return err
	}
	if debugLog {
		log.Printf("isopage: protected domain %d", s.current)
	}
	s.mode = ModeProtected
	s.current = 0
	return nil
}

// Mode returns the switcher's current state and, when unprotected, the
// domain with full access.
func (s *AccessSwitcher) Mode() (ProtectionMode, Domain) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.mode, s.current
}

func (s *AccessSwitcher) sweep(d Domain, prot int) error {
	for _, p := range s.reg.domainPages(d) {
		if p.IsDead() {
			continue
		}
		if err := pageProtect(p.Bytes(), prot); err != nil {
			return fmt.Errorf("isopage: mprotect domain %d page: %w", d, err)
		}
	}
	return nil
}
