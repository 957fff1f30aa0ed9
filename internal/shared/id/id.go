// Package id provides centralized ID generation for the engine.
//
// Two ID families live here:
//   - PipelineID: dense uint64 handles allocated from a process-wide
//     counter. Unique for the life of the process and never reused, so a
//     late message for a destroyed pipeline can never be misdelivered to
//     a successor.
//   - ULIDs: lexicographically sortable string IDs with type prefixes
//     (req_*, sess_*) for resource requests and sessions, readable in logs.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// ============================================================================
// Pipeline IDs
// ============================================================================

// PipelineID identifies one rendering pipeline. The zero value means
// "no pipeline" and is never allocated.
type PipelineID uint64

// NoPipeline is the reserved empty PipelineID.
const NoPipeline PipelineID = 0

// String renders the ID the way it appears in logs and debug output.
func (p PipelineID) String() string {
	return "pipe-" + strconv.FormatUint(uint64(p), 10)
}

// Valid reports whether the ID refers to an actual pipeline.
func (p PipelineID) Valid() bool { return p != NoPipeline }

// PipelineAllocator hands out PipelineIDs. Allocation is a single atomic
// increment so any goroutine may allocate without coordination.
type PipelineAllocator struct {
	last atomic.Uint64
}

// NewPipelineAllocator returns an allocator whose first ID is 1.
func NewPipelineAllocator() *PipelineAllocator {
	return &PipelineAllocator{}
}

// Next returns a fresh PipelineID. IDs are never reused.
func (a *PipelineAllocator) Next() PipelineID {
	return PipelineID(a.last.Add(1))
}

// Last returns the most recently allocated ID, 0 if none yet.
func (a *PipelineAllocator) Last() PipelineID {
	return PipelineID(a.last.Load())
}

// ============================================================================
// Type-Safe ULID Wrappers
// ============================================================================

// RequestID identifies a resource fetch request.
type RequestID string

// SessionID identifies a persisted browsing session.
type SessionID string

const (
	RequestPrefix = "req"
	SessionPrefix = "sess"
)

func (id RequestID) String() string { return string(id) }
func (id SessionID) String() string { return string(id) }

// ============================================================================
// ULID Generator
// ============================================================================

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
}

var (
	// Default generator with cryptographically secure entropy
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator
func NewGenerator() *Generator {
	return &Generator{
		entropy: rand.Reader,
	}
}

// NewGeneratorWithEntropy creates a generator with custom entropy source
// Useful for testing with deterministic entropy
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{
		entropy: entropy,
	}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// NewRequestID generates a new resource request ID
func NewRequestID() RequestID {
	return RequestID(Default().GenerateWithPrefix(RequestPrefix))
}

// NewSessionID generates a new session ID
func NewSessionID() SessionID {
	return SessionID(Default().GenerateWithPrefix(SessionPrefix))
}

// IsValid checks if an ID string is a valid ULID
func IsValid(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}

// Parse parses a ULID string
func Parse(id string) (ulid.ULID, error) {
	return ulid.Parse(id)
}

// Timestamp extracts the timestamp from a ULID
func Timestamp(id string) (time.Time, error) {
	parsed, err := Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
