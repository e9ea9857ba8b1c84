package isopage

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"log"

	"golang.org/x/crypto/blake2b"
)

const (
	capMacSize = 16

	// Capability layout: handle (8) | domain (2) | MAC (16).
	capHandleOff = 0
	capDomainOff = 8
	capMacOff    = 10
	capSize      = capMacOff + capMacSize
)

var (
	ErrAuthFailure = errors.New("isopage: capability authentication failed")
)

// Capability is an opaque, tamper-evident wrapper over a page handle. Its
// MAC binds the handle to the signing context, the protection domain and the
// domain's revocation epoch; flipping any bit, presenting a different
// context or domain, freeing the domain, or discarding any of its pages all
// make it fail authentication.
type Capability [capSize]byte

// Codec signs raw page handles into Capabilities and authenticates them
// back. The MAC key is generated per Codec and never leaves it.
type Codec struct {
	reg *DomainRegistry
	key [32]byte
}

func NewCodec(reg *DomainRegistry) (*Codec, error) {
	c := &Codec{reg: reg}
	if _, err := rand.Read(c.key[:]); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Codec) mac(h RawHandle, d Domain, epoch uint32, ctx Context) [capMacSize]byte {
	hasher, err := blake2b.New256(c.key[:])
	if err != nil {
		panic(err)
	}
	var buf [22]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(h))
	binary.LittleEndian.PutUint16(buf[8:], uint16(d))
	binary.LittleEndian.PutUint32(buf[10:], epoch)
	binary.LittleEndian.PutUint64(buf[14:], uint64(ctx))
	hasher.Write(buf[:])

	var out [capMacSize]byte
	copy(out[:], hasher.Sum(nil))
	return out
}

// Sign binds h to (ctx, d) and returns the capability. The domain must be
// allocated.
func (c *Codec) Sign(h RawHandle, ctx Context, d Domain) (Capability, error) {
	epoch, ok := c.reg.domainEpoch(d)
	if !ok {
		return Capability{}, ErrDomainRevoked
	}
	var out Capability
	binary.LittleEndian.PutUint64(out[capHandleOff:], uint64(h))
	binary.LittleEndian.PutUint16(out[capDomainOff:], uint16(d))
	mac := c.mac(h, d, epoch, ctx)
	copy(out[capMacOff:], mac[:])
	return out, nil
}

// Authenticate validates cap against (ctx, d) and returns the original
// handle. Deterministic and side-effect-free aside from logging failures.
// Any mismatch is ErrAuthFailure; a freed domain is ErrDomainRevoked. A
// handle is never returned on any failure.
func (c *Codec) Authenticate(signed Capability, ctx Context, d Domain) (RawHandle, error) {
	capDomain := Domain(binary.LittleEndian.Uint16(signed[capDomainOff:]))
	if capDomain != d {
		log.Printf("isopage: capability domain %d does not match presented domain %d", capDomain, d)
		return 0, ErrAuthFailure
	}
	epoch, ok := c.reg.domainEpoch(d)
	if !ok {
		log.Printf("isopage: capability presented for revoked domain %d", d)
		return 0, ErrDomainRevoked
	}
	h := RawHandle(binary.LittleEndian.Uint64(signed[capHandleOff:]))
	mac := c.mac(h, d, epoch, ctx)
	if subtle.ConstantTimeCompare(mac[:], signed[capMacOff:]) != 1 {
		log.Printf("isopage: capability MAC check failed for domain %d", d)
		return 0, ErrAuthFailure
	}
	return h, nil
}
