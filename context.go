package isopage

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/dgryski/go-farm"
)

// Context is the trusted-identity token bound into capabilities at signing
// time. Authentication must present the same Context the capability was
// signed with.
type Context uint64

// contextSalt makes Context values distinct across processes, so a token
// captured from one run is useless in another.
var contextSalt uint64

func init() {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	contextSalt = binary.LittleEndian.Uint64(buf[:])
}

// NewContext derives a Context from an owner name. The same name yields the
// same Context within a process.
func NewContext(name string) Context {
	return Context(farm.Hash64([]byte(name)) ^ contextSalt)
}
