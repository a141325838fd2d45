package broker

import (
	"debug/elf"
	"encoding/json"
	"fmt"
	"os"

	"github.com/eigerco/mcad-broker/pkg/log"
)

// BinaryRegion is a user-declared named interval [Start, End) in
// load-relative address space.
type BinaryRegion struct {
	Name        string
	Description string
	Start       uint64
	End         uint64
}

// Regions holds a manifest of binary regions, loaded once at
// construction. Regions are not checked for overlap; on conflicting
// matches the first one encountered in manifest order wins. This is a
// deliberate limitation, not guaranteed stable across manifest
// re-orderings.
type Regions struct {
	regions []*BinaryRegion
}

// Len reports how many regions were loaded.
func (r *Regions) Len() int {
	if r == nil {
		return 0
	}
	return len(r.regions)
}

// lookup returns the first region whose [Start, End) contains addr, or
// nil. Iteration follows manifest order, so on overlapping regions the
// first declared one always wins.
func (r *Regions) lookup(addr uint64) *BinaryRegion {
	for _, region := range r.regions {
		if addr >= region.Start && addr < region.End {
			return region
		}
	}
	return nil
}

// matchStart returns the first region whose Start equals addr.
func (r *Regions) matchStart(addr uint64) *BinaryRegion {
	for _, region := range r.regions {
		if region.Start == addr {
			return region
		}
	}
	return nil
}

type addressRegionJSON struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Start       uint64 `json:"start"`
	End         uint64 `json:"end"`
}

type symbolManifestJSON struct {
	File    string `json:"file"`
	Regions []struct {
		Symbol      string `json:"symbol"`
		Description string `json:"description"`
		Offsets     []int64 `json:"offsets"`
	} `json:"regions"`
}

// LoadRegions loads a region manifest from path. Two JSON shapes are
// accepted:
//
//   - a bare array of {"name","start","end","description"} objects
//     (address-based, the minimum the core requires), or
//   - an object {"file": "<elf path>", "regions": [{"symbol",
//     "description", "offsets": [startOffset, endOffset]}]} that
//     resolves each region against ELF symbols in the named binary
//     (symbol-based).
//
// A missing or malformed manifest is a non-fatal error: callers should
// log it and run without regions, per the broker's error-handling policy.
func LoadRegions(path string) (*Regions, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("broker: failed to read region manifest: %w", err)
	}

	var asArray []addressRegionJSON
	if err := json.Unmarshal(raw, &asArray); err == nil {
		return regionsFromAddresses(asArray), nil
	}

	var asSymbolManifest symbolManifestJSON
	if err := json.Unmarshal(raw, &asSymbolManifest); err == nil && asSymbolManifest.File != "" {
		return regionsFromSymbols(asSymbolManifest)
	}

	return nil, fmt.Errorf("broker: unrecognized region manifest format in %s", path)
}

func regionsFromAddresses(entries []addressRegionJSON) *Regions {
	regions := make([]*BinaryRegion, 0, len(entries))
	for _, e := range entries {
		regions = append(regions, &BinaryRegion{
			Name:        e.Name,
			Description: e.Description,
			Start:       e.Start,
			End:         e.End,
		})
	}
	return &Regions{regions: regions}
}

func regionsFromSymbols(manifest symbolManifestJSON) (*Regions, error) {
	f, err := elf.Open(manifest.File)
	if err != nil {
		return nil, fmt.Errorf("broker: failed to open ELF binary %s: %w", manifest.File, err)
	}
	defer f.Close()

	symbols, err := f.Symbols()
	if err != nil {
		return nil, fmt.Errorf("broker: failed to read ELF symbols from %s: %w", manifest.File, err)
	}
	byName := make(map[string]elf.Symbol, len(symbols))
	for _, sym := range symbols {
		byName[sym.Name] = sym
	}

	regions := make([]*BinaryRegion, 0, len(manifest.Regions))
	for _, entry := range manifest.Regions {
		sym, ok := byName[entry.Symbol]
		if !ok {
			log.Region.Warn().Str("symbol", entry.Symbol).Msg("symbol not found in ELF binary; skipping region")
			continue
		}

		var startOffset, endOffset int64
		if len(entry.Offsets) > 0 {
			startOffset = entry.Offsets[0]
		}
		if len(entry.Offsets) > 1 {
			endOffset = entry.Offsets[1]
		}

		description := entry.Description
		if description == "" {
			description = entry.Symbol
		}

		regions = append(regions, &BinaryRegion{
			Name:        entry.Symbol,
			Description: description,
			Start:       uint64(int64(sym.Value) + startOffset),
			End:         uint64(int64(sym.Value+sym.Size) + endOffset),
		})
	}
	return &Regions{regions: regions}, nil
}

// RegionTracker implements the OutsideRegion/InsideRegion state machine
// that turns a stream of decoded translation blocks into region-entry and
// region-exit events. It is mutated exclusively by the single receiver
// goroutine, so it carries no lock of its own.
type RegionTracker struct {
	regions *Regions
	current *BinaryRegion
}

// NewRegionTracker builds a tracker over the given manifest (possibly
// nil, meaning no regions configured).
func NewRegionTracker(regions *Regions) *RegionTracker {
	return &RegionTracker{regions: regions}
}

// track computes the [beginIdx, endIdx) portion of a freshly-decoded TB
// that should be queued, plus the region that slice closes (if any).
// codeStartAddress is the load-relative origin; tb.VOffsets are already
// relative to tb.VAddr, so the load-relative address of decoded
// instruction i is (tb.VAddr - codeStartAddress) + tb.VOffsets[i].
//
// When no regions are configured the tracker is permanently "inside"
// with a null region: the whole TB is queued as one slice.
func (rt *RegionTracker) track(tb *TranslationBlock, codeStartAddress uint64) (beginIdx, endIdx int, closed *BinaryRegion) {
	n := len(tb.Decoded)
	if rt.regions == nil || rt.regions.Len() == 0 {
		return 0, n, nil
	}

	if tb.VAddr < codeStartAddress {
		// Can't compute a meaningful load-relative address; treat as
		// fully outside any region.
		return 0, 0, nil
	}
	base := tb.VAddr - codeStartAddress

	i := 0
	if rt.current == nil {
		for ; i < n; i++ {
			addr := base + tb.VOffsets[i]
			if region := rt.regions.matchStart(addr); region != nil {
				rt.current = region
				break
			}
		}
		if i == n {
			// No region entered anywhere in this TB.
			return 0, 0, nil
		}
	}
	beginIdx = i

	for ; i < n; i++ {
		addr := base + tb.VOffsets[i]
		if addr == rt.current.End {
			endIdx = i + 1
			closed = rt.current
			rt.current = nil
			return beginIdx, endIdx, closed
		}
	}
	return beginIdx, n, nil
}
