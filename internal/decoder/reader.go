package decoder

import (
	"errors"
	"io"
	"sync/atomic"
)

var errAbandoned = errors.New("decoder abandoned")

// chanReader presents the bounded handoff channel as an io.Reader. Reads
// block until bytes arrive, which is how the demuxer waits out incomplete
// input. Once eof is closed the remaining queued bytes are served and then
// io.EOF is returned.
type chanReader struct {
	in      <-chan []byte
	eof     <-chan struct{}
	quit    <-chan struct{}
	pending []byte

	// taken counts bytes received from in, if set.
	taken *atomic.Uint64
}

func (r *chanReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		select {
		case b := <-r.in:
			r.take(b)
		case <-r.eof:
			select {
			case b := <-r.in:
				r.take(b)
			default:
				return 0, io.EOF
			}
		case <-r.quit:
			return 0, errAbandoned
		}
	}

	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *chanReader) take(b []byte) {
	r.pending = b
	if r.taken != nil {
		r.taken.Add(uint64(len(b)))
	}
}
