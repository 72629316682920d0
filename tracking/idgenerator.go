package tracking

import (
	"strconv"
	"sync/atomic"

	"github.com/rs/xid"
)

// IDGenerator can generate IDs for entries.
type IDGenerator interface {
	// Generate an ID
	Generate() string
}

// NewXIDGenerator returns an IDGenerator that produces globally unique,
// roughly time-ordered ids. It is safe for concurrent use.
func NewXIDGenerator() IDGenerator {
	return xidGenerator{}
}

// NewSequentialIDGenerator returns an IDGenerator that produces "1", "2",
// "3"... It is deterministic and mostly useful in tests.
func NewSequentialIDGenerator() IDGenerator {
	return &sequentialIDGenerator{}
}

type sequentialIDGenerator struct {
	nextID uint64
}

func (g *sequentialIDGenerator) Generate() string {
	idNumber := atomic.AddUint64(&g.nextID, 1)

	return strconv.FormatUint(idNumber, 10)
}

type xidGenerator struct{}

func (xidGenerator) Generate() string {
	return xid.New().String()
}
