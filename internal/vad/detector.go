package vad

// Chunk is one fixed-size slice of PCM handed to a Detector.
type Chunk struct {
	Samples []int16
	// Offset is the global index of Samples[0] in the connection's stream.
	Offset int64
}

// Detector turns chunks into boundary events. Implementations must be safe
// for concurrent use by many connections; everything that changes between
// calls belongs in the State passed in.
type Detector interface {
	Detect(chunk Chunk, state *State) ([]Event, error)
}

// State is the per-connection detector state. It must never be shared
// between connections.
type State struct {
	next      int64 // expected offset of the next chunk
	remainder []int16

	inSpeech     bool
	speechCount  int
	silenceCount int

	candidateStart int64 // sample where the current run of loud frames began
	silenceStart   int64 // sample where the current run of quiet frames began
	openStart      int64 // sample of the open segment's start

	chunks uint64
}

// NewState returns a fresh detector state.
func NewState() *State {
	return &State{}
}

// Reset clears everything, including an open segment.
func (s *State) Reset() {
	*s = State{next: s.next, chunks: s.chunks}
}

// InSpeech reports whether a segment is currently open.
func (s *State) InSpeech() bool {
	return s.inSpeech
}

// Chunks returns the number of chunks seen.
func (s *State) Chunks() uint64 {
	return s.chunks
}
