package broker

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/mcad-broker/pkg/wire"
)

// dialReceiver serves an ephemeral-port listener with a Receiver's
// connection handler and returns a client connection to it, ready for
// wire.WriteFrame/wire.Encode calls.
func dialReceiver(t *testing.T, b *Broker) net.Conn {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	r := NewReceiver(b, "", 1)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				r.handleConnection(ctx, conn)
			}()
		}
	}()
	t.Cleanup(func() { listener.Close() })

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendWire(t *testing.T, conn net.Conn, msg wire.Message) {
	t.Helper()
	payload, err := wire.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(context.Background(), conn, payload))
}

func addrs(insts []*Instruction) []string {
	out := make([]string, len(insts))
	for i, inst := range insts {
		out[i] = fmt.Sprintf("0x%x", inst.Addr)
	}
	return out
}

func requireSameAddrs(t *testing.T, want, got []*Instruction) {
	t.Helper()
	wantAddrs, gotAddrs := addrs(want), addrs(got)
	if strings.Join(wantAddrs, ",") == strings.Join(gotAddrs, ",") {
		return
	}
	diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        wantAddrs,
		B:        gotAddrs,
		FromFile: "want",
		ToFile:   "got",
		Context:  3,
	})
	t.Fatalf("instruction address sequence mismatch:\n%s", diff)
}

// Scenario 1: basic pipe. Load metadata, one TB of two single-instruction
// raw entries, one execution, end of stream.
func Test_EndToEnd_BasicPipe(t *testing.T) {
	b := New(Config{Primary: ReferenceDecoder{Width: 4}})
	conn := dialReceiver(t, b)

	sendWire(t, conn, wire.LoadMetadata{LoadAddr: 0x1000})
	sendWire(t, conn, wire.TranslatedBlock{
		Index: 0,
		Instructions: []wire.RawInstruction{
			{Data: []byte{1, 2, 3, 4}},
			{Data: []byte{5, 6, 7, 8}},
		},
	})
	sendWire(t, conn, wire.ExecTB{Index: 0, PC: 0x1000})
	sendWire(t, conn, wire.EndOfStream())

	out := make([]*Instruction, 4)
	waitForDelivery(t, b, out, 4, 2)

	count, desc := b.FetchRegion(out, 4, nil)
	require.Equal(t, -1, count)
	require.True(t, desc.EndOfStream)
}

// Scenario 2: mid-block split. fetch(1) then fetch(2) over the same TB.
func Test_EndToEnd_MidBlockSplit(t *testing.T) {
	b := New(Config{Primary: ReferenceDecoder{Width: 4}})
	conn := dialReceiver(t, b)

	sendWire(t, conn, wire.LoadMetadata{LoadAddr: 0x1000})
	sendWire(t, conn, wire.TranslatedBlock{
		Index: 0,
		Instructions: []wire.RawInstruction{
			{Data: []byte{1, 2, 3, 4}},
			{Data: []byte{5, 6, 7, 8}},
		},
	})
	sendWire(t, conn, wire.ExecTB{Index: 0, PC: 0x1000})

	out := make([]*Instruction, 2)
	waitForQueueDrainable(t, b)

	count1, _ := b.FetchRegion(out, 1, nil)
	require.Equal(t, 1, count1)

	count2, _ := b.FetchRegion(out, 2, nil)
	require.Equal(t, 1, count2)
}

// Scenario 3: multi-decode skew. One raw instruction decodes to two; the
// memory access at raw index 0 lands on decoded index 0, and the second
// decoded instruction carries no access.
func Test_EndToEnd_MultiDecodeSkew(t *testing.T) {
	b := New(Config{Primary: skewDecoder{}})
	b.HandleTranslatedBlock(0, [][]byte{{1, 2, 3, 4}})
	b.HandleExecTB(0, 0x1000, []MemAccessRecord{{Index: 0, IsStore: false, VAddr: 0x5000, Size: 2}})
	b.HandleEndOfStream()

	out := make([]*Instruction, 2)
	md := NewMetadata()
	count, _ := b.FetchRegion(out, 2, md)
	require.Equal(t, 2, count)

	seq0 := md.Sequence[out[0]]
	_, hasAccess0 := md.MemoryAccess[seq0]
	require.True(t, hasAccess0)

	seq1 := md.Sequence[out[1]]
	_, hasAccess1 := md.MemoryAccess[seq1]
	require.False(t, hasAccess1)
}

// Scenario 4: region in/out within one TB. Four instructions, a region
// that starts mid-block and closes on the block's last instruction.
func Test_EndToEnd_RegionInOutWithinOneTB(t *testing.T) {
	b := New(Config{Primary: ReferenceDecoder{Width: 4}})
	b.SetRegions(&Regions{regions: []*BinaryRegion{
		{Name: "r1", Description: "hot path", Start: 8, End: 12},
	}})

	b.HandleLoadMetadata(0x1000)
	b.HandleTranslatedBlock(0, [][]byte{{1, 2, 3, 4}, {5, 6, 7, 8}, {9, 10, 11, 12}, {13, 14, 15, 16}})
	b.HandleExecTB(0, 0x1000, nil)
	b.HandleEndOfStream()

	out := make([]*Instruction, 4)
	count, desc := b.FetchRegion(out, 4, nil)
	require.Equal(t, 2, count)
	require.True(t, desc.EndOfRegion)
	require.Equal(t, "hot path", desc.Description)
	requireSameAddrs(t, []*Instruction{{Addr: 0x1008}, {Addr: 0x100c}}, out[:2])
}

// Scenario 5: memory-access merge. Two overlapping/adjacent access
// records on the same instruction collapse into one widened record.
func Test_EndToEnd_MemoryAccessMerge(t *testing.T) {
	b := New(Config{Primary: ReferenceDecoder{Width: 4}, MergeAdjacentAccesses: true})
	b.HandleTranslatedBlock(0, [][]byte{{1, 2, 3, 4}})
	b.HandleExecTB(0, 0x1000, []MemAccessRecord{
		{Index: 0, IsStore: true, VAddr: 0x20, Size: 4},
		{Index: 0, IsStore: false, VAddr: 0x22, Size: 4},
	})
	b.HandleEndOfStream()

	out := make([]*Instruction, 1)
	md := NewMetadata()
	count, _ := b.FetchRegion(out, 1, md)
	require.Equal(t, 1, count)

	seq := md.Sequence[out[0]]
	access := md.MemoryAccess[seq]
	require.True(t, access.IsStore)
	require.Equal(t, uint64(0x20), access.Addr)
	require.Equal(t, uint32(6), access.Size)
}

// Scenario 6: cross-TB fetch. Two execution events of three instructions
// each, fetched 5-then-4 across the boundary.
func Test_EndToEnd_CrossTBFetch(t *testing.T) {
	b := New(Config{Primary: ReferenceDecoder{Width: 4}})
	b.HandleTranslatedBlock(0, [][]byte{{1, 2, 3, 4}, {5, 6, 7, 8}, {9, 10, 11, 12}})
	b.HandleTranslatedBlock(1, [][]byte{{13, 14, 15, 16}, {17, 18, 19, 20}, {21, 22, 23, 24}})
	b.HandleExecTB(0, 0x1000, nil)
	b.HandleExecTB(1, 0x2000, nil)
	b.HandleEndOfStream()

	out := make([]*Instruction, 5)
	count1, _ := b.FetchRegion(out, 5, nil)
	require.Equal(t, 5, count1)

	count2, _ := b.FetchRegion(out, 4, nil)
	require.Equal(t, 1, count2)

	count3, _ := b.FetchRegion(out, 4, nil)
	require.Equal(t, -1, count3)
}

func waitForDelivery(t *testing.T, b *Broker, out []*Instruction, n, wantCount int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b.queue.mu.Lock()
		ready := len(b.queue.slices) > 0 || b.queue.endOfStream
		b.queue.mu.Unlock()
		if ready {
			count, _ := b.FetchRegion(out, n, nil)
			require.Equal(t, wantCount, count)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for the wire pipeline to deliver a slice")
}

func waitForQueueDrainable(t *testing.T, b *Broker) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b.queue.mu.Lock()
		ready := len(b.queue.slices) > 0
		b.queue.mu.Unlock()
		if ready {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for the wire pipeline to queue a slice")
}
