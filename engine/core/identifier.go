package core

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// IDGenerator hands out opaque 64 bit identifiers. Each generator owns its own
// counter; the value returned to callers is the counter hashed through a
// name-based UUID rooted in a per-generator random namespace, so identifiers
// carry no ordering information.
type IDGenerator struct {
	namespace uuid.UUID
	counter   uint64
}

func NewIDGenerator() *IDGenerator {
	return &IDGenerator{
		namespace: uuid.New(),
	}
}

// Namespace returns the random namespace of the generator. It doubles as a
// debug label for the owner.
func (g *IDGenerator) Namespace() uuid.UUID {
	return g.namespace
}

func (g *IDGenerator) Next() uint64 {
	g.counter++
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], g.counter)
	hashed := uuid.NewSHA1(g.namespace, buf[:])
	id := binary.LittleEndian.Uint64(hashed[:8])
	if id == 0 {
		// zero is reserved for "no resource"
		id = binary.LittleEndian.Uint64(hashed[8:])
	}
	return id
}

// Count returns how many identifiers were generated so far.
func (g *IDGenerator) Count() uint64 {
	return g.counter
}
