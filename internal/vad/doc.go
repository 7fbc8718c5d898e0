// Package vad defines the voice activity detection contract consumed by the
// segment assembler: fixed-size chunks in, boundary events out. It ships an
// energy-based detector with hysteresis that shares no mutable state between
// connections; all per-connection state lives in State.
package vad
