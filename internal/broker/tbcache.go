package broker

import (
	"sync"

	"github.com/eigerco/mcad-broker/pkg/log"
)

// TranslationBlock is an emulator-side run of machine instructions
// executed as a unit, identified by an emulator-assigned index. It has
// two-phase initialization: Raw is populated on registration; Decoded,
// VOffsets, and SkewMap are populated lazily on first execution.
//
// Once Decoded is non-empty it is never cleared. References handed out
// to slices are borrowed; callers must not retain them past the TB's
// lifetime (the TB cache never frees a slot).
type TranslationBlock struct {
	Raw      [][]byte
	Decoded  []Instruction
	SkewMap  map[int]int
	VAddr    uint64
	VOffsets []uint64
}

// decoded reports whether disassemble has already populated this TB.
func (tb *TranslationBlock) decoded() bool {
	return len(tb.Decoded) > 0
}

// Cache is the index-addressed store of translation blocks. All mutation
// of the underlying slice (growth, assignment, and decoding) happens
// under mu, matching the single tb_cache_mutex in the design: decoding
// runs while holding the lock because decoding is the only writer and
// only ever serializes against the receiver goroutine itself.
type Cache struct {
	mu  sync.Mutex
	tbs []*TranslationBlock
}

// NewCache returns an empty TB cache.
func NewCache() *Cache {
	return &Cache{}
}

// Reserve grows the cache to hold at least index+1 entries.
func (c *Cache) Reserve(index uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reserveLocked(index)
}

func (c *Cache) reserveLocked(index uint32) {
	if int(index) < len(c.tbs) {
		return
	}
	grown := make([]*TranslationBlock, index+1)
	copy(grown, c.tbs)
	c.tbs = grown
}

// Put registers or replaces the translation block at index, growing the
// cache if necessary.
func (c *Cache) Put(index uint32, raw [][]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reserveLocked(index)
	c.tbs[index] = &TranslationBlock{Raw: raw}
}

// Len returns the number of slots the cache has grown to hold, whether
// or not a translation block was registered in each, for observability
// only.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tbs)
}

// CacheStats summarizes the TB cache's occupancy for shutdown logging.
type CacheStats struct {
	Registered int
	Decoded    int
}

// Stats reports how many slots are registered versus how many of those
// have gone through disassemble at least once.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var stats CacheStats
	for _, tb := range c.tbs {
		if tb == nil {
			continue
		}
		stats.Registered++
		if tb.decoded() {
			stats.Decoded++
		}
	}
	return stats
}

// get returns the translation block at index without triggering
// decoding, or nil if the index is out of range or unregistered. Used
// by the Fetch Engine, which only ever sees indices that already went
// through GetForExecution.
func (c *Cache) get(index uint32) *TranslationBlock {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(index) >= len(c.tbs) {
		return nil
	}
	return c.tbs[index]
}

// GetForExecution returns the translation block at index, decoding it in
// place (via dec, starting at pc) if this is its first execution. It is
// the only Cache operation that may trigger decoding.
//
// An out-of-range or never-registered index returns ErrUnknownTB; the
// caller logs and drops the event without queuing a slice.
func (c *Cache) GetForExecution(index uint32, pc uint64, dec Decoder) (*TranslationBlock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if int(index) >= len(c.tbs) || c.tbs[index] == nil {
		return nil, ErrUnknownTB
	}
	tb := c.tbs[index]
	if !tb.decoded() {
		disassemble(tb, pc, dec)
		if !tb.decoded() {
			log.Cache.Warn().Uint32("index", index).Msg("translation block failed to decode any instructions")
		}
	}
	return tb, nil
}
