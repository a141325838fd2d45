// Package broker implements the microarchitectural trace broker core:
// a streaming receiver that ingests emulator-executed translation
// blocks, a lazily-decoded disassembly cache, a region tracker, and a
// slice queue (with no capacity limit) serviced by a pull-based fetch
// interface.
package broker

import (
	"sync/atomic"

	"github.com/eigerco/mcad-broker/pkg/log"
)

// Feature bits advertised by Features().
const (
	FeatureMetadata uint32 = 1 << 0
	FeatureRegion   uint32 = 1 << 1
)

// Broker aggregates the TB cache, slice queue, region tracker, and
// decoders that together implement the core. The zero value is not
// usable; construct with New.
type Broker struct {
	cfg Config

	cache   *Cache
	queue   *SliceQueue
	regions *Regions
	tracker *RegionTracker

	// codeStartAddress is written once, at LoadMetadata, and read by
	// every later ExecTB on the same (single) receiver goroutine, so a
	// plain field is sufficient; it is never read concurrently with
	// that write.
	codeStartAddress uint64

	totalTraces atomic.Uint64
}

// New constructs a Broker from cfg. cfg.Primary must be non-nil; a
// region manifest is not loaded here, callers that set
// cfg.RegionManifestPath should call LoadRegions themselves and pass the
// result via SetRegions, matching the "missing or malformed manifest:
// log, run without regions" policy, which requires the caller to decide
// how to log the failure.
func New(cfg Config) *Broker {
	b := &Broker{
		cfg:     cfg,
		cache:   NewCache(),
		queue:   NewSliceQueue(),
		tracker: NewRegionTracker(nil),
	}
	return b
}

// SetRegions installs a loaded region manifest. Passing nil disables
// region tracking (the default).
func (b *Broker) SetRegions(regions *Regions) {
	b.regions = regions
	b.tracker = NewRegionTracker(regions)
}

// Features reports the capability bitset: Metadata is always
// advertised; Region only when a non-empty manifest is loaded.
func (b *Broker) Features() uint32 {
	features := FeatureMetadata
	if b.regions != nil && b.regions.Len() > 0 {
		features |= FeatureRegion
	}
	return features
}

// CacheStats reports the TB cache's registered/decoded slot counts, for
// shutdown logging.
func (b *Broker) CacheStats() CacheStats {
	return b.cache.Stats()
}

// HandleLoadMetadata updates the scalar code_start_address used by the
// region tracker to turn emulator virtual addresses into load-relative
// ones.
func (b *Broker) HandleLoadMetadata(loadAddr uint64) {
	b.codeStartAddress = loadAddr
}

// HandleTranslatedBlock registers or replaces the raw instruction
// sequence for a translation block index, growing the cache if the
// index is new.
func (b *Broker) HandleTranslatedBlock(index uint32, rawInstructions [][]byte) {
	b.cache.Put(index, rawInstructions)
}

// HandleEndOfStream sets end_of_stream on the slice queue and wakes any
// blocked fetch.
func (b *Broker) HandleEndOfStream() {
	b.queue.SignalEndOfStream()
}

// HandleExecTB processes one execution event: it decodes the
// referenced TB on first execution, asks the region tracker which
// portion of it to queue, attaches a merged memory-access chain, and
// pushes the resulting slice. An event for an unknown TB index is
// logged and dropped, matching the "Invalid reference" row of the
// error-handling table; it never returns an error to the caller because
// none is recoverable past this point.
func (b *Broker) HandleExecTB(index uint32, pc uint64, accesses []MemAccessRecord) {
	dec := pickDecoder(b.cfg.Primary, b.cfg.Secondary, pc)
	startAddr := pc
	if b.cfg.Secondary != nil {
		startAddr &^= 1
	}

	tb, err := b.cache.GetForExecution(index, startAddr, dec)
	if err != nil {
		log.Wire.Warn().Uint32("index", index).Err(err).Msg("dropping exec event for unknown translation block")
		return
	}

	beginIdx, endIdx, regionEnd := b.tracker.track(tb, b.codeStartAddress)
	if beginIdx == endIdx {
		return
	}

	slice := Slice{
		TBIndex:   index,
		Begin:     beginIdx,
		End:       endIdx,
		RegionEnd: regionEnd,
	}

	for _, rec := range accesses {
		di := rec.Index
		if skewed, ok := tb.SkewMap[int(rec.Index)]; ok {
			di = uint32(skewed)
		}
		slice.pushAccess(int(di), MemoryAccess{
			IsStore: rec.IsStore,
			Addr:    rec.VAddr,
			Size:    rec.Size,
		}, b.cfg.MergeAdjacentAccesses)
	}

	b.queue.Push(slice)
}

// MemAccessRecord is a raw-index-keyed memory-access record as received
// on the wire, before skew-map translation to a decoded index.
type MemAccessRecord struct {
	Index   uint32
	IsStore bool
	VAddr   uint64
	Size    uint32
}
