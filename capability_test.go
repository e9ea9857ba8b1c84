package isopage

import (
	"errors"
	"testing"
)

func newTestCodec(t testing.TB) (*DomainRegistry, *Codec) {
	t.Helper()
	reg := NewDomainRegistry()
	codec, err := NewCodec(reg)
	if err != nil {
		t.Fatalf("Unexpected codec error %v", err)
	}
	return reg, codec
}

func TestCapabilityRoundTrip(t *testing.T) {
	reg, codec := newTestCodec(t)
	d, _ := reg.Alloc()
	ctx := NewContext("round-trip")

	handles := []RawHandle{1, 0xdeadbeef, 0x7fff_ffff_f000}
	for _, h := range handles {
		signed, err := codec.Sign(h, ctx, d)
		if err != nil {
			t.Fatalf("Unexpected sign error %v", err)
		}
		got, err := codec.Authenticate(signed, ctx, d)
		if err != nil {
			t.Fatalf("Unexpected auth error %v", err)
		}
		if got != h {
			t.Errorf("Authenticated handle %#x != %#x", got, h)
		}
	}
}

func TestCapabilityContextBinding(t *testing.T) {
	reg, codec := newTestCodec(t)
	d, _ := reg.Alloc()

	signed, err := codec.Sign(RawHandle(0x1000), NewContext("owner-a"), d)
	if err != nil {
		t.Fatalf("Unexpected sign error %v", err)
	}
	_, err = codec.Authenticate(signed, NewContext("owner-b"), d)
	if !errors.Is(err, ErrAuthFailure) {
		t.Errorf("Expected ErrAuthFailure with wrong context, got %v", err)
	}
}

func TestCapabilityDomainBinding(t *testing.T) {
	reg, codec := newTestCodec(t)
	d1, _ := reg.Alloc()
	d2, _ := reg.Alloc()
	ctx := NewContext("domain-binding")

	signed, err := codec.Sign(RawHandle(0x2000), ctx, d1)
	if err != nil {
		t.Fatalf("Unexpected sign error %v", err)
	}
	_, err = codec.Authenticate(signed, ctx, d2)
	if !errors.Is(err, ErrAuthFailure) {
		t.Errorf("Expected ErrAuthFailure with wrong domain, got %v", err)
	}
}

func TestCapabilityTamper(t *testing.T) {
	reg, codec := newTestCodec(t)
	d, _ := reg.Alloc()
	ctx := NewContext("tamper")

	signed, err := codec.Sign(RawHandle(0x3000), ctx, d)
	if err != nil {
		t.Fatalf("Unexpected sign error %v", err)
	}

	for i := 0; i < len(signed); i++ {
		for bit := uint(0); bit < 8; bit++ {
			mangled := signed
			mangled[i] ^= 1 << bit
			if _, err := codec.Authenticate(mangled, ctx, d); err == nil {
				t.Errorf("Flipping byte %d bit %d still authenticated", i, bit)
			}
		}
	}
}

func TestCapabilityRevocation(t *testing.T) {
	reg, codec := newTestCodec(t)
	d, _ := reg.Alloc()
	ctx := NewContext("revocation")

	signed, err := codec.Sign(RawHandle(0x4000), ctx, d)
	if err != nil {
		t.Fatalf("Unexpected sign error %v", err)
	}
	if err := reg.Free(d); err != nil {
		t.Fatalf("Unexpected free error %v", err)
	}
	_, err = codec.Authenticate(signed, ctx, d)
	if !errors.Is(err, ErrDomainRevoked) {
		t.Errorf("Expected ErrDomainRevoked after free, got %v", err)
	}

	// Re-allocating the same id must not resurrect the old capability. The
	// epoch bump makes the old MAC stale.
	d2, err := reg.Alloc()
	if err != nil {
		t.Fatalf("Unexpected alloc error %v", err)
	}
	if d2 != d {
		t.Fatalf("Expected id %d to be reused, got %d", d, d2)
	}
	_, err = codec.Authenticate(signed, ctx, d)
	if !errors.Is(err, ErrAuthFailure) {
		t.Errorf("Expected ErrAuthFailure after realloc, got %v", err)
	}
}

func TestCapabilitySignRevokedDomain(t *testing.T) {
	_, codec := newTestCodec(t)
	ctx := NewContext("sign-revoked")

	_, err := codec.Sign(RawHandle(0x5000), ctx, Domain(7))
	if !errors.Is(err, ErrDomainRevoked) {
		t.Errorf("Expected ErrDomainRevoked signing for unallocated domain, got %v", err)
	}
}

func TestCapabilityCodecKeyIsolation(t *testing.T) {
	reg := NewDomainRegistry()
	codec1, err := NewCodec(reg)
	if err != nil {
		t.Fatalf("Unexpected codec error %v", err)
	}
	codec2, err := NewCodec(reg)
	if err != nil {
		t.Fatalf("Unexpected codec error %v", err)
	}
	d, _ := reg.Alloc()
	ctx := NewContext("key-isolation")

	signed, err := codec1.Sign(RawHandle(0x6000), ctx, d)
	if err != nil {
		t.Fatalf("Unexpected sign error %v", err)
	}
	if _, err := codec2.Authenticate(signed, ctx, d); !errors.Is(err, ErrAuthFailure) {
		t.Errorf("Expected ErrAuthFailure across codecs, got %v", err)
	}
}

func BenchmarkCapabilityAuthenticate(b *testing.B) {
	reg, codec := newTestCodec(b)
	d, _ := reg.Alloc()
	ctx := NewContext("bench")
	signed, err := codec.Sign(RawHandle(0x7000), ctx, d)
	if err != nil {
		b.Fatalf("Unexpected sign error %v", err)
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := codec.Authenticate(signed, ctx, d); err != nil {
			b.Fatal(err)
		}
	}
}
