package isopage

import (
	"errors"
	"log"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
)

var (
	ErrPayloadTooLarge = errors.New("isopage: payload exceeds page size")
	ErrNoMessage       = errors.New("isopage: no message stored")
	ErrCorruptedState  = errors.New("isopage: store state corrupted")
	ErrStoreClosed     = errors.New("isopage: store is closed")
)

var (
	storeWrites = prom.NewCounter(prom.CounterOpts{
		Name: "isopage_store_writes_total",
		Help: "Total number of message writes.",
	})
	storeReads = prom.NewCounter(prom.CounterOpts{
		Name: "isopage_store_reads_total",
		Help: "Total number of message reads.",
	})
	storeAuthFailures = prom.NewCounter(prom.CounterOpts{
		Name: "isopage_store_auth_failures_total",
		Help: "Total number of capability authentication failures seen by the store.",
	})
	storeMessageBytes = prom.NewGauge(prom.GaugeOpts{
		Name: "isopage_store_message_bytes",
		Help: "Length of the currently stored message.",
	})
)

func init() {
	prom.MustRegister(storeWrites)
	prom.MustRegister(storeReads)
	prom.MustRegister(storeAuthFailures)
	prom.MustRegister(storeMessageBytes)
}

type StoreOptions struct {
	Registry *DomainRegistry
	Codec    *Codec
	Switcher *AccessSwitcher

	// OwnerName derives the store's signing Context. Defaults to "isopage".
	OwnerName string
}

// MessageStore holds at most one isolated page. Writes replace the page:
// the old one is authenticated and discarded, a fresh page is allocated in
// the store's own domain, populated under a paired unprotect/protect, and
// the new handle is signed into the current capability.
//
// All operations take the store lock for their full duration; the
// capability slot and the protection-mode toggle change as one unit.
type MessageStore struct {
	reg      *DomainRegistry
	codec    *Codec
	switcher *AccessSwitcher

	domain Domain
	ctx    Context

	current *Capability
	page    *IsolatedPage
	closed  bool
	lock    sync.Mutex
}

// NewMessageStore allocates the store's protection domain for the store's
// whole lifetime. Close() frees it.
func NewMessageStore(opts StoreOptions) (*MessageStore, error) {
	d, err := opts.Registry.Alloc()
	if err != nil {
		return nil, err
	}
	name := opts.OwnerName
	if name == "" {
		name = "isopage"
	}
	return &MessageStore{
		reg:      opts.Registry,
		codec:    opts.Codec,
		switcher: opts.Switcher,
		domain:   d,
		ctx:      NewContext(name),
	}, nil
}

// Domain returns the protection domain owned by this store.
func (s *MessageStore) Domain() Domain {
	return s.domain
}

// Write replaces the stored message with payload and returns the number of
// bytes accepted. Payloads larger than PageSize are rejected up front and
// leave the previous message untouched.
func (s *MessageStore) Write(payload []byte) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	if len(payload) > PageSize {
		return 0, ErrPayloadTooLarge
	}

	// The page being replaced must be the one this store signed itself.
	if err := s.dropCurrent(); err != nil {
		return 0, err
	}

	p, err := AllocPage(s.reg, s.domain)
	if err != nil {
		return 0, err
	}

	if err = s.switcher.Unprotect(s.domain); err != nil {
		p.Discard()
		return 0, err
	}
	n := copy(p.Bytes(), payload)
	p.setLen(n)
	if err = s.switcher.Protect(); err != nil {
		p.Discard()
		return 0, err
	}

	signed, err := s.codec.Sign(p.Handle(), s.ctx, s.domain)
	if err != nil {
		p.Discard()
		return 0, err
	}
	s.current = &signed
	s.page = p
	storeWrites.Inc()
	storeMessageBytes.Set(float64(n))
	return n, nil
}

// Read authenticates the current capability and returns a copy of exactly
// the recorded payload. It does not mutate state and may be repeated.
func (s *MessageStore) Read() ([]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if s.current == nil {
		return nil, ErrNoMessage
	}
	h, err := s.codec.Authenticate(*s.current, s.ctx, s.domain)
	if err != nil {
		storeAuthFailures.Inc()
		return nil, err
	}
	if h != s.page.Handle() {
		storeAuthFailures.Inc()
		log.Printf("isopage: authenticated handle does not match stored page")
		return nil, ErrCorruptedState
	}
	out := make([]byte, s.page.Len())
	copy(out, s.page.Bytes())
	storeReads.Inc()
	return out, nil
}

// Has reports whether a message is currently stored.
func (s *MessageStore) Has() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return !s.closed && s.current != nil
}

// Clear discards the stored message, if any, and reports whether one was
// present.
func (s *MessageStore) Clear() (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	had := s.current != nil
	if err := s.dropCurrent(); err != nil {
		return false, err
	}
	return had, nil
}

// dropCurrent authenticates and discards the current page. An
// authentication failure here means the store's own state was tampered
// with, which is fatal.
func (s *MessageStore) dropCurrent() error {
	if s.current == nil {
		return nil
	}
	h, err := s.codec.Authenticate(*s.current, s.ctx, s.domain)
	if err != nil {
		storeAuthFailures.Inc()
		log.Printf("isopage: stored capability failed authentication: %v", err)
		return ErrCorruptedState
	}
	if h != s.page.Handle() {
		storeAuthFailures.Inc()
		log.Printf("isopage: authenticated handle does not match stored page")
		return ErrCorruptedState
	}
	s.page.Discard()
	s.current = nil
	s.page = nil
	storeMessageBytes.Set(0)
	return nil
}

// Close discards the stored message and frees the owned domain. Idempotent.
func (s *MessageStore) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil
	}
	err := s.dropCurrent()
	if ferr := s.reg.Free(s.domain); err == nil {
		err = ferr
	}
	s.closed = true
	return err
}
