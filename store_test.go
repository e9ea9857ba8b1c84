package isopage

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t testing.TB) *MessageStore {
	t.Helper()
	reg := NewDomainRegistry()
	codec, err := NewCodec(reg)
	require.NoError(t, err)
	s, err := NewMessageStore(StoreOptions{
		Registry:  reg,
		Codec:     codec,
		Switcher:  NewAccessSwitcher(reg),
		OwnerName: t.Name(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreWriteReadFidelity(t *testing.T) {
	s := newTestStore(t)

	payload := []byte("hello")
	n, err := s.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	got, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// Reads are repeatable.
	got, err = s.Read()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestStoreEmptyRead(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Read()
	assert.ErrorIs(t, err, ErrNoMessage)
}

func TestStoreOversizeRejected(t *testing.T) {
	s := newTestStore(t)

	prior := []byte("prior message")
	_, err := s.Write(prior)
	require.NoError(t, err)

	big := bytes.Repeat([]byte{'a'}, 5000)
	_, err = s.Write(big)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	// Prior state is untouched.
	got, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, prior, got)
}

func TestStoreFullPage(t *testing.T) {
	s := newTestStore(t)

	payload := bytes.Repeat([]byte{'x'}, PageSize)
	n, err := s.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, PageSize, n)

	got, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestStoreReplacement(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Write([]byte("x"))
	require.NoError(t, err)
	oldCap := *s.current
	oldPage := s.page

	_, err = s.Write([]byte("y"))
	require.NoError(t, err)

	got, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), got)

	// Exactly one live page remains, and the replaced page is gone.
	assert.Len(t, s.reg.domainPages(s.domain), 1)
	assert.True(t, oldPage.IsDead())

	// The old capability must no longer authenticate: discarding its page
	// advanced the domain epoch, so its MAC is stale.
	_, err = s.codec.Authenticate(oldCap, s.ctx, s.domain)
	assert.ErrorIs(t, err, ErrAuthFailure)
}

func TestStoreTamperedCapability(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Write([]byte("payload"))
	require.NoError(t, err)

	s.current[capMacOff] ^= 0x01
	_, err = s.Read()
	assert.ErrorIs(t, err, ErrAuthFailure)

	// Replacing a tampered message is a fatal integrity violation.
	_, err = s.Write([]byte("next"))
	assert.ErrorIs(t, err, ErrCorruptedState)
}

func TestStoreClear(t *testing.T) {
	s := newTestStore(t)

	had, err := s.Clear()
	require.NoError(t, err)
	assert.False(t, had)

	_, err = s.Write([]byte("msg"))
	require.NoError(t, err)
	assert.True(t, s.Has())

	had, err = s.Clear()
	require.NoError(t, err)
	assert.True(t, had)
	assert.False(t, s.Has())

	_, err = s.Read()
	assert.ErrorIs(t, err, ErrNoMessage)
}

func TestStoreClose(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Write([]byte("msg"))
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Write([]byte("again"))
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = s.Read()
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.False(t, s.Has())
}

func TestStoreConcurrent(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			payload := []byte(fmt.Sprintf("writer-%d", id))
			for j := 0; j < 100; j++ {
				if _, err := s.Write(payload); err != nil {
					t.Errorf("Unexpected write error %v", err)
					return
				}
				got, err := s.Read()
				if err != nil {
					t.Errorf("Unexpected read error %v", err)
					return
				}
				if !bytes.HasPrefix(got, []byte("writer-")) {
					t.Errorf("Unexpected payload %q", got)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, s.reg.domainPages(s.domain), 1)
}

func BenchmarkStoreWrite(b *testing.B) {
	s := newTestStore(b)
	payload := bytes.Repeat([]byte{'b'}, 1024)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := s.Write(payload); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkStoreRead(b *testing.B) {
	s := newTestStore(b)
	if _, err := s.Write(bytes.Repeat([]byte{'b'}, 1024)); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := s.Read(); err != nil {
			b.Fatal(err)
		}
	}
}
