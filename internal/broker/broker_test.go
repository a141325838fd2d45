package broker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Broker_Features(t *testing.T) {
	b := New(Config{Primary: ReferenceDecoder{Width: 4}})
	require.Equal(t, FeatureMetadata, b.Features())

	b.SetRegions(&Regions{regions: []*BinaryRegion{{Name: "r1", Start: 0, End: 4}}})
	require.Equal(t, FeatureMetadata|FeatureRegion, b.Features())
}

func Test_Broker_Features_EmptyManifestOmitsRegionBit(t *testing.T) {
	b := New(Config{Primary: ReferenceDecoder{Width: 4}})
	b.SetRegions(&Regions{})
	require.Equal(t, FeatureMetadata, b.Features())
}

func Test_Broker_CacheStats(t *testing.T) {
	b := New(Config{Primary: ReferenceDecoder{Width: 4}})
	b.HandleTranslatedBlock(0, [][]byte{{1, 2, 3, 4}})
	require.Equal(t, CacheStats{Registered: 1, Decoded: 0}, b.CacheStats())

	b.HandleExecTB(0, 0x1000, nil)
	require.Equal(t, CacheStats{Registered: 1, Decoded: 1}, b.CacheStats())
}

func Test_Broker_HandleLoadMetadata(t *testing.T) {
	b := New(Config{Primary: ReferenceDecoder{Width: 4}})
	b.HandleLoadMetadata(0x8000)
	require.Equal(t, uint64(0x8000), b.codeStartAddress)
}

// skewDecoder decodes every 4-byte raw instruction into two 2-byte
// instructions, used to verify memory-access index translation through
// SkewMap end to end via HandleExecTB.
type skewDecoder struct{}

func (skewDecoder) Decode(code []byte, addr uint64) (Instruction, int, error) {
	if len(code) < 2 {
		return Instruction{}, 0, ErrUnknownTB
	}
	return Instruction{Addr: addr, Size: 2, Data: code[:2]}, 2, nil
}

func Test_Broker_HandleExecTB_TranslatesAccessIndexThroughSkew(t *testing.T) {
	b := New(Config{Primary: skewDecoder{}})
	b.HandleTranslatedBlock(0, [][]byte{{1, 2, 3, 4}, {5, 6, 7, 8}})

	b.HandleExecTB(0, 0x1000, []MemAccessRecord{
		{Index: 1, IsStore: true, VAddr: 0x9000, Size: 4},
	})

	out := make([]*Instruction, 3)
	md := NewMetadata()
	count, _ := b.FetchRegion(out, 3, md)
	require.Equal(t, 3, count)

	seq, ok := md.Sequence[out[2]]
	require.True(t, ok)
	access, ok := md.MemoryAccess[seq]
	require.True(t, ok)
	require.Equal(t, uint64(0x9000), access.Addr)
}

func Test_Broker_HandleExecTB_DualModeDecoderSelection(t *testing.T) {
	b := New(Config{Primary: ReferenceDecoder{Width: 4}, Secondary: ReferenceDecoder{Width: 2}})
	b.HandleTranslatedBlock(0, [][]byte{{1, 2, 3, 4}})
	b.HandleTranslatedBlock(1, [][]byte{{5, 6, 7, 8}})

	b.HandleExecTB(0, 0x1000, nil)
	b.HandleExecTB(1, 0x1001, nil)

	out := make([]*Instruction, 4)
	count, _ := b.FetchRegion(out, 4, nil)
	require.Equal(t, 3, count)
}
