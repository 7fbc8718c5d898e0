// Package audio holds the PCM side of the pipeline: the bounded history
// ring, the segment assembler that turns detector boundaries into finalized
// speech segments, and WAV encoding for segments leaving the service.
package audio
