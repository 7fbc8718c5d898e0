package decoder

import "math"

// nativeRates are the output rates libopus decodes to directly.
var nativeRates = map[int]bool{8000: true, 12000: true, 16000: true, 24000: true, 48000: true}

// decodeRateFor returns the rate to run the Opus decoder at for a target.
func decodeRateFor(target int) int {
	if nativeRates[target] {
		return target
	}
	return 48000
}

// resampler converts interleaved int16 audio between rates by linear
// interpolation. Positions are tracked as exact fractions of the output
// rate so the result does not depend on how the input is split.
type resampler struct {
	channels int
	inRate   int64
	outRate  int64
	pos      int64 // read position in input frames, scaled by outRate
	last     []int16
	have     bool
}

func newResampler(inRate, outRate, channels int) *resampler {
	g := gcd(inRate, outRate)
	return &resampler{
		channels: channels,
		inRate:   int64(inRate / g),
		outRate:  int64(outRate / g),
		last:     make([]int16, channels),
	}
}

func (r *resampler) passthrough() bool {
	return r.inRate == r.outRate
}

// Resample converts in and returns a newly allocated slice.
func (r *resampler) Resample(in []int16) []int16 {
	ch := r.channels
	frames := len(in) / ch
	if frames == 0 {
		return nil
	}
	if r.passthrough() {
		out := make([]int16, frames*ch)
		copy(out, in)
		return out
	}

	// Frame 0 is the carried-over last frame of the previous call, if any.
	off := 0
	if r.have {
		off = 1
	}
	n := int64(frames + off)
	at := func(i int64, c int) float64 {
		if i < int64(off) {
			return float64(r.last[c])
		}
		return float64(in[(int(i)-off)*ch+c])
	}

	limit := (n - 1) * r.outRate
	out := make([]int16, 0, int((limit-r.pos)/r.inRate+1)*ch)
	for r.pos < limit {
		i := r.pos / r.outRate
		frac := float64(r.pos%r.outRate) / float64(r.outRate)
		for c := 0; c < ch; c++ {
			a, b := at(i, c), at(i+1, c)
			out = append(out, int16(math.Round(a+(b-a)*frac)))
		}
		r.pos += r.inRate
	}
	r.pos -= limit

	for c := 0; c < ch; c++ {
		r.last[c] = int16(at(n-1, c))
	}
	r.have = true

	return out
}

// Flush emits output positions that fall on the final input frame and
// resets the resampler.
func (r *resampler) Flush() []int16 {
	if r.passthrough() || !r.have {
		return nil
	}

	var out []int16
	for r.pos < r.outRate {
		out = append(out, r.last...)
		r.pos += r.inRate
	}

	r.pos = 0
	r.have = false
	return out
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
