// Package ident generates collision-free provisional identifiers for
// entities created locally before the backend assigns authoritative ids.
package ident

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	CasePrefix    = "temp-case"
	MessagePrefix = "temp-msg"
)

// Generator produces provisional ids from a per-kind monotonic counter plus
// a millisecond timestamp. The counter prevents collisions under rapid
// same-millisecond generation; a random scheme would reintroduce
// birthday-paradox collision risk for no benefit.
type Generator struct {
	mu       sync.Mutex
	counters map[string]uint64
	now      func() time.Time
}

func NewGenerator() *Generator {
	return &Generator{
		counters: make(map[string]uint64),
		now:      time.Now,
	}
}

// NewCaseID returns a fresh provisional case id.
func (g *Generator) NewCaseID() string {
	return g.Generate(CasePrefix)
}

// NewMessageID returns a fresh provisional message id.
func (g *Generator) NewMessageID() string {
	return g.Generate(MessagePrefix)
}

// Generate returns a provisional id under an ad hoc prefix. Counter-based
// like the named constructors.
func (g *Generator) Generate(prefix string) string {
	g.mu.Lock()
	g.counters[prefix]++
	n := g.counters[prefix]
	g.mu.Unlock()
	return fmt.Sprintf("%s-%d-%d", prefix, n, g.now().UnixMilli())
}

// Reset zeroes all counters. Test isolation only.
func (g *Generator) Reset() {
	g.mu.Lock()
	g.counters = make(map[string]uint64)
	g.mu.Unlock()
}

// IsProvisional reports whether id was generated locally, under any kind.
func IsProvisional(id string) bool {
	return IsProvisionalCase(id) || IsProvisionalMessage(id)
}

// IsProvisionalCase reports whether id is a locally generated case id.
func IsProvisionalCase(id string) bool {
	return strings.HasPrefix(id, CasePrefix+"-")
}

// IsProvisionalMessage reports whether id is a locally generated message id.
func IsProvisionalMessage(id string) bool {
	return strings.HasPrefix(id, MessagePrefix+"-")
}
