package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

func sine(n, sampleRate int, frequency float64) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(16383 * math.Sin(2*math.Pi*frequency*float64(i)/float64(sampleRate)))
	}
	return samples
}

func TestEncodeDecodeWAV(t *testing.T) {
	sampleRate := 16000
	samples := sine(1600, sampleRate, 440)

	wavData, err := EncodeWAV(samples, sampleRate)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	if len(wavData) != wavHeaderSize+len(samples)*2 {
		t.Errorf("Expected WAV size %d, got %d", wavHeaderSize+len(samples)*2, len(wavData))
	}

	decoded, info, err := DecodeWAV(wavData)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}

	if info.SampleRate != sampleRate {
		t.Errorf("Expected sample rate %d, got %d", sampleRate, info.SampleRate)
	}
	if info.Channels != 1 {
		t.Errorf("Expected 1 channel, got %d", info.Channels)
	}
	if math.Abs(info.Duration-0.1) > 1e-9 {
		t.Errorf("Expected duration 0.1s, got %f", info.Duration)
	}
	if len(decoded) != len(samples) {
		t.Fatalf("Expected %d samples, got %d", len(samples), len(decoded))
	}
	for i := range samples {
		if decoded[i] != samples[i] {
			t.Fatalf("Sample %d mismatch: expected %d, got %d", i, samples[i], decoded[i])
		}
	}
}

func TestWriteWAVStereo(t *testing.T) {
	var buf bytes.Buffer
	samples := []int16{1, -1, 2, -2, 3, -3}

	if err := WriteWAV(&buf, samples, 48000, 2); err != nil {
		t.Fatalf("WriteWAV failed: %v", err)
	}

	_, info, err := DecodeWAV(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if info.Channels != 2 || info.NumSamples != 6 {
		t.Errorf("Expected 2 channels and 6 samples, got %+v", info)
	}
}

func TestDecodeWAVSkipsListChunk(t *testing.T) {
	wavData, err := EncodeWAV([]int16{10, 20, 30}, 8000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	// Insert an odd-sized LIST chunk between fmt and data.
	list := []byte{'L', 'I', 'S', 'T', 3, 0, 0, 0, 'a', 'b', 'c', 0}
	withList := append([]byte{}, wavData[:36]...)
	withList = append(withList, list...)
	withList = append(withList, wavData[36:]...)
	binary.LittleEndian.PutUint32(withList[4:], uint32(len(withList)-8))

	samples, _, err := DecodeWAV(withList)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if len(samples) != 3 || samples[2] != 30 {
		t.Errorf("Unexpected samples: %v", samples)
	}
}

func TestWAVErrors(t *testing.T) {
	valid, err := EncodeWAV([]int16{1, 2, 3, 4}, 16000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	corrupt := func(offset int, b ...byte) []byte {
		out := append([]byte{}, valid...)
		copy(out[offset:], b)
		return out
	}

	tests := []struct {
		name string
		data []byte
	}{
		{name: "too short", data: []byte("RIFF")},
		{name: "not riff", data: corrupt(0, 'R', 'I', 'F', 'X')},
		{name: "not wave", data: corrupt(8, 'A', 'V', 'I', ' ')},
		{name: "float format", data: corrupt(20, 3, 0)},
		{name: "8 bit", data: corrupt(34, 8, 0)},
		{name: "overrun", data: corrupt(40, 0xff, 0xff, 0, 0)},
		{name: "no data chunk", data: valid[:36]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := DecodeWAV(tt.data); err == nil {
				t.Error("Expected error but got none")
			}
		})
	}

	if _, err := EncodeWAV(nil, 16000); err == nil {
		t.Error("Expected error for empty samples")
	}
	if _, err := EncodeWAV([]int16{1}, 0); err == nil {
		t.Error("Expected error for zero sample rate")
	}
	if err := WriteWAV(&bytes.Buffer{}, []int16{1, 2, 3}, 16000, 2); err == nil {
		t.Error("Expected error for odd stereo sample count")
	}
}
