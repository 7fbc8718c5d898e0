package decoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func ramp(n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(i % 20000)
	}
	return out
}

func TestDecodeRateFor(t *testing.T) {
	assert.Equal(t, 16000, decodeRateFor(16000))
	assert.Equal(t, 8000, decodeRateFor(8000))
	assert.Equal(t, 48000, decodeRateFor(44100))
	assert.Equal(t, 48000, decodeRateFor(22050))
}

func TestResamplerPassthroughCopies(t *testing.T) {
	r := newResampler(16000, 16000, 1)
	in := []int16{1, 2, 3}

	out := r.Resample(in)
	require.Equal(t, in, out)

	in[0] = 99
	assert.Equal(t, int16(1), out[0], "output must not alias the decoder buffer")
	assert.Nil(t, r.Flush())
}

func TestResamplerDownsample(t *testing.T) {
	r := newResampler(48000, 16000, 1)

	out := append(r.Resample(ramp(960)), r.Flush()...)
	require.Len(t, out, 320)
	for i, v := range out {
		assert.Equal(t, int16(i*3), v, "sample %d", i)
	}
}

func TestResamplerUpsampleInterpolates(t *testing.T) {
	r := newResampler(8000, 16000, 1)

	out := append(r.Resample([]int16{0, 100, 200}), r.Flush()...)
	assert.Equal(t, []int16{0, 50, 100, 150, 200, 200}, out)
}

func TestResamplerStereo(t *testing.T) {
	r := newResampler(48000, 24000, 2)

	out := append(r.Resample([]int16{10, -10, 20, -20, 30, -30, 40, -40}), r.Flush()...)
	assert.Equal(t, []int16{10, -10, 30, -30}, out)
}

func TestResamplerSplitInvariance(t *testing.T) {
	rates := [][2]int{{48000, 44100}, {48000, 22050}, {16000, 48000}, {48000, 16000}}

	rapid.Check(t, func(rt *rapid.T) {
		pair := rates[rapid.IntRange(0, len(rates)-1).Draw(rt, "rates")]
		total := rapid.IntRange(0, 6000).Draw(rt, "total")
		input := ramp(total)

		whole := newResampler(pair[0], pair[1], 1)
		want := append(whole.Resample(input), whole.Flush()...)

		split := newResampler(pair[0], pair[1], 1)
		var got []int16
		for pos := 0; pos < total; {
			n := min(rapid.IntRange(1, 1500).Draw(rt, "piece"), total-pos)
			got = append(got, split.Resample(input[pos:pos+n])...)
			pos += n
		}
		got = append(got, split.Flush()...)

		if len(got) != len(want) {
			rt.Fatalf("split produced %d samples, contiguous %d", len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				rt.Fatalf("sample %d differs: %d vs %d", i, got[i], want[i])
			}
		}

		// ceil(total * out / in)
		expected := (total*pair[1] + pair[0] - 1) / pair[0]
		if len(want) != expected {
			rt.Fatalf("expected %d output samples for %d input, got %d", expected, total, len(want))
		}
	})
}
