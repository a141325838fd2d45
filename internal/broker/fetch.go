package broker

// RegionDescriptor reports the outcome of a fetch: whether the stream has
// ended, and whether the just-delivered instructions closed out a
// binary region.
type RegionDescriptor struct {
	EndOfStream bool
	EndOfRegion bool
	Description string
}

// Metadata is the optional out-of-band side channel threaded through
// Fetch/FetchRegion. The broker assigns every delivered instruction a
// monotonically increasing sequence number in Sequence; when a matching
// memory-access record exists for that instruction, its descriptor is
// published into MemoryAccess under the same sequence number. This is
// the sole side channel between broker and simulator.
type Metadata struct {
	Sequence     map[*Instruction]uint64
	MemoryAccess map[uint64]MemoryAccess
}

// NewMetadata returns an empty Metadata ready to be passed to Fetch.
func NewMetadata() *Metadata {
	return &Metadata{
		Sequence:     make(map[*Instruction]uint64),
		MemoryAccess: make(map[uint64]MemoryAccess),
	}
}

// Fetch delivers up to n instructions to out and returns how many were
// delivered, or -1 at end-of-stream. It is exactly FetchRegion's count.
func (b *Broker) Fetch(out []*Instruction, n int, md *Metadata) int {
	count, _ := b.FetchRegion(out, n, md)
	return count
}

// FetchRegion delivers up to n instructions to out, splitting and
// draining the slice queue, and reports whether the delivered run ended
// a binary region (or the whole stream).
//
//  1. n == 0 returns (0, {}) immediately.
//  2. n is clamped to len(out).
//  3. If the queue is empty and end-of-stream is set, returns (-1, EOS).
//     Otherwise blocks until the queue is non-empty or end-of-stream.
//  4. Slices are popped (and the head split, if it's longer than what's
//     left to deliver) until n instructions are selected or a region-end
//     marker is consumed.
//  5. Each selected slice's decoded instructions are copied into out in
//     order, publishing any memory-access records through md.
func (b *Broker) FetchRegion(out []*Instruction, n int, md *Metadata) (int, RegionDescriptor) {
	if n == 0 {
		return 0, RegionDescriptor{}
	}
	if n > len(out) {
		n = len(out)
	}

	selected, eosWithNothingQueued := b.drainQueue(n)
	if eosWithNothingQueued {
		return -1, RegionDescriptor{EndOfStream: true}
	}

	delivered := 0
	var regionClosed *BinaryRegion
	for i := range selected {
		slice := &selected[i]
		tb := b.cache.get(slice.TBIndex)
		if tb == nil {
			continue
		}
		for idx := slice.Begin; idx < slice.End && delivered < n; idx++ {
			inst := &tb.Decoded[idx]
			out[delivered] = inst
			seq := b.nextSequence()

			matched := false
			for len(slice.accesses) > 0 && slice.accesses[0].Index <= idx {
				if slice.accesses[0].Index == idx && !matched {
					if md != nil {
						md.MemoryAccess[seq] = slice.accesses[0].Access
					}
					matched = true
				}
				slice.accesses = slice.accesses[1:]
			}
			if md != nil {
				md.Sequence[inst] = seq
			}
			delivered++
		}
		if slice.RegionEnd != nil {
			regionClosed = slice.RegionEnd
		}
	}

	if regionClosed != nil {
		return delivered, RegionDescriptor{EndOfRegion: true, Description: regionClosed.Description}
	}
	return delivered, RegionDescriptor{}
}

// drainQueue blocks (if necessary) until work is available, then pops
// and, if needed, splits queued slices until n instructions worth have
// been selected or a region-end marker is reached. It reports
// eosWithNothingQueued when the queue was (and remains) empty at
// end-of-stream, the terminal condition callers must turn into a -1.
func (b *Broker) drainQueue(n int) (selected []Slice, eosWithNothingQueued bool) {
	q := b.queue
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.slices) == 0 && !q.endOfStream {
		q.cond.Wait()
	}
	if len(q.slices) == 0 && q.endOfStream {
		return nil, true
	}

	remaining := n
	for remaining > 0 && len(q.slices) > 0 {
		head := &q.slices[0]
		length := head.Len()
		if length > remaining {
			taken := head.split(head.Begin + remaining)
			selected = append(selected, taken)
			remaining = 0
			break
		}
		selected = append(selected, *head)
		q.slices = q.slices[1:]
		remaining -= length
		if selected[len(selected)-1].RegionEnd != nil {
			break
		}
	}
	return selected, false
}

func (b *Broker) nextSequence() uint64 {
	return b.totalTraces.Add(1) - 1
}
