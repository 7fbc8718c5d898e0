package decoder

import (
	"fmt"
	"io"
)

const (
	oggPageHeaderLen = 27
	// oggFlagContinued marks a page whose first segment continues the last
	// packet of the previous page.
	oggFlagContinued = 0x01
)

// pageTap records the bytes the Ogg reader consumes. The reader verifies
// each page but only returns its concatenated payload, so the lacing table
// is recovered from the recorded page instead.
type pageTap struct {
	r   io.Reader
	buf []byte
}

func (t *pageTap) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	t.buf = append(t.buf, p[:n]...)
	return n, err
}

func (t *pageTap) reset() {
	t.buf = t.buf[:0]
}

// packetSplitter rebuilds Opus packets from Ogg pages. A lacing value below
// 255 ends a packet; a page whose last lacing value is 255 leaves its final
// packet open for the next page.
type packetSplitter struct {
	partial []byte
	open    bool
}

// split returns the packets completed by one page and the number of packet
// fragments it had to discard. raw is the page as read from the stream and
// payload its body.
func (s *packetSplitter) split(raw, payload []byte) ([][]byte, int, error) {
	if len(raw) < oggPageHeaderLen {
		return nil, 0, fmt.Errorf("ogg page too short: %d bytes", len(raw))
	}
	segments := int(raw[26])
	if len(raw) < oggPageHeaderLen+segments {
		return nil, 0, fmt.Errorf("ogg lacing table truncated: %d of %d segments", len(raw)-oggPageHeaderLen, segments)
	}
	lacing := raw[oggPageHeaderLen : oggPageHeaderLen+segments]

	total := 0
	for _, l := range lacing {
		total += int(l)
	}
	if total != len(payload) {
		return nil, 0, fmt.Errorf("ogg lacing covers %d bytes, payload has %d", total, len(payload))
	}

	var (
		packets [][]byte
		dropped int
		pos     int
		i       int
	)

	continued := raw[5]&oggFlagContinued != 0
	switch {
	case continued && !s.open:
		// The start of this packet was never seen; skip to its end.
		dropped++
		for i < len(lacing) {
			pos += int(lacing[i])
			i++
			if lacing[i-1] < 255 {
				break
			}
		}
	case !continued && s.open:
		dropped++
		s.partial = nil
		s.open = false
	}

	start := pos
	for ; i < len(lacing); i++ {
		pos += int(lacing[i])
		if lacing[i] == 255 {
			continue
		}
		packet := payload[start:pos]
		if s.open {
			packet = append(s.partial, packet...)
			s.partial = nil
			s.open = false
		}
		packets = append(packets, packet)
		start = pos
	}

	if segments > 0 && lacing[segments-1] == 255 && start < pos {
		s.partial = append(s.partial, payload[start:pos]...)
		s.open = true
	}

	return packets, dropped, nil
}

// pending reports whether a packet is still waiting for its continuation.
func (s *packetSplitter) pending() bool {
	return s.open
}
