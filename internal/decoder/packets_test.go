package decoder

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	oggFlagBOS = 0x02
	testSerial = 0x4b494f53
)

var oggCRCTable = func() [256]uint32 {
	var table [256]uint32
	for i := range table {
		r := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if r&0x80000000 != 0 {
				r = r<<1 ^ 0x04c11db7
			} else {
				r <<= 1
			}
		}
		table[i] = r
	}
	return table
}()

// oggPage builds a checksummed Ogg page.
func oggPage(flags byte, granule uint64, seq uint32, lacing, payload []byte) []byte {
	page := make([]byte, oggPageHeaderLen+len(lacing)+len(payload))
	copy(page, "OggS")
	page[5] = flags
	binary.LittleEndian.PutUint64(page[6:], granule)
	binary.LittleEndian.PutUint32(page[14:], testSerial)
	binary.LittleEndian.PutUint32(page[18:], seq)
	page[26] = byte(len(lacing))
	copy(page[oggPageHeaderLen:], lacing)
	copy(page[oggPageHeaderLen+len(lacing):], payload)

	var crc uint32
	for _, b := range page {
		crc = crc<<8 ^ oggCRCTable[byte(crc>>24)^b]
	}
	binary.LittleEndian.PutUint32(page[22:], crc)
	return page
}

// opusHeadPage is the identification page of a mono 48 kHz stream.
func opusHeadPage(preSkip uint16) []byte {
	head := make([]byte, 19)
	copy(head, "OpusHead")
	head[8] = 1
	head[9] = 1
	binary.LittleEndian.PutUint16(head[10:], preSkip)
	binary.LittleEndian.PutUint32(head[12:], 48000)
	return oggPage(oggFlagBOS, 0, 0, []byte{19}, head)
}

// lacingOf returns the lacing values of one whole packet.
func lacingOf(packet []byte) []byte {
	lacing := bytes.Repeat([]byte{255}, len(packet)/255)
	return append(lacing, byte(len(packet)%255))
}

func filled(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func splitPage(t *testing.T, s *packetSplitter, page []byte) ([][]byte, int) {
	t.Helper()
	payload := page[oggPageHeaderLen+int(page[26]):]
	packets, dropped, err := s.split(page, payload)
	require.NoError(t, err)
	return packets, dropped
}

func TestSplitterSeparatesPacketsOnOnePage(t *testing.T) {
	a, b, c := filled('a', 3), filled('b', 4), filled('c', 255)

	var lacing []byte
	for _, p := range [][]byte{a, b, c} {
		lacing = append(lacing, lacingOf(p)...)
	}
	page := oggPage(0, 0, 2, lacing, bytes.Join([][]byte{a, b, c}, nil))

	var s packetSplitter
	packets, dropped := splitPage(t, &s, page)

	assert.Equal(t, [][]byte{a, b, c}, packets)
	assert.Zero(t, dropped)
	assert.False(t, s.pending())
}

func TestSplitterJoinsPacketAcrossPages(t *testing.T) {
	a, c, d := filled('a', 3), filled('c', 600), filled('d', 5)

	first := oggPage(0, 0, 2, []byte{3, 255}, append(append([]byte(nil), a...), c[:255]...))
	second := oggPage(oggFlagContinued, 0, 3, []byte{255, 90, 5}, append(append([]byte(nil), c[255:]...), d...))

	var s packetSplitter
	packets, dropped := splitPage(t, &s, first)
	assert.Equal(t, [][]byte{a}, packets)
	assert.Zero(t, dropped)
	assert.True(t, s.pending())

	packets, dropped = splitPage(t, &s, second)
	assert.Equal(t, [][]byte{c, d}, packets)
	assert.Zero(t, dropped)
	assert.False(t, s.pending())
}

func TestSplitterPacketSpanningThreePages(t *testing.T) {
	p := filled('p', 700)

	var s packetSplitter
	packets, _ := splitPage(t, &s, oggPage(0, 0, 2, []byte{255}, p[:255]))
	assert.Empty(t, packets)
	packets, _ = splitPage(t, &s, oggPage(oggFlagContinued, 0, 3, []byte{255}, p[255:510]))
	assert.Empty(t, packets)
	packets, dropped := splitPage(t, &s, oggPage(oggFlagContinued, 0, 4, []byte{190}, p[510:]))

	assert.Equal(t, [][]byte{p}, packets)
	assert.Zero(t, dropped)
}

func TestSplitterDropsBrokenContinuations(t *testing.T) {
	tests := []struct {
		name  string
		pages [][]byte
		want  [][]byte
	}{
		{
			name: "continuation without a start",
			pages: [][]byte{
				oggPage(oggFlagContinued, 0, 2, []byte{255, 10, 3}, append(filled('x', 265), filled('e', 3)...)),
			},
			want: [][]byte{filled('e', 3)},
		},
		{
			name: "start without a continuation",
			pages: [][]byte{
				oggPage(0, 0, 2, []byte{255}, filled('x', 255)),
				oggPage(0, 0, 3, []byte{4}, filled('b', 4)),
			},
			want: [][]byte{filled('b', 4)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s packetSplitter
			var got [][]byte
			totalDropped := 0
			for _, page := range tt.pages {
				packets, dropped := splitPage(t, &s, page)
				got = append(got, packets...)
				totalDropped += dropped
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, 1, totalDropped)
		})
	}
}

func TestSplitterRejectsInconsistentLacing(t *testing.T) {
	page := oggPage(0, 0, 2, []byte{3, 4}, filled('a', 7))

	var s packetSplitter
	_, _, err := s.split(page, filled('a', 5))
	assert.Error(t, err)

	_, _, err = s.split(page[:20], nil)
	assert.Error(t, err)
}

func TestPageTapRecoversLacingBehindOggReader(t *testing.T) {
	stream := append(opusHeadPage(312),
		oggPage(0, 960, 1, []byte{3, 4}, []byte{0xf8, 0xaa, 0xbb, 0xf8, 0xcc, 0xdd, 0xee})...)

	tap := &pageTap{r: bytes.NewReader(stream)}
	ogg, header, err := oggreader.NewWith(tap)
	require.NoError(t, err)
	assert.Equal(t, uint16(312), header.PreSkip)

	tap.reset()
	payload, _, err := ogg.ParseNextPage()
	require.NoError(t, err)

	var s packetSplitter
	packets, dropped, err := s.split(tap.buf, payload)
	require.NoError(t, err)
	assert.Zero(t, dropped)
	assert.Equal(t, [][]byte{{0xf8, 0xaa, 0xbb}, {0xf8, 0xcc, 0xdd, 0xee}}, packets)
}
