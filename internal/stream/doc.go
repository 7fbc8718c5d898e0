// Package stream wires the per-connection audio pipeline and manages the
// set of live connections.
//
// A Connection owns a decoder, an assembler and the bounded queues between
// them. Bytes pushed by a transport are decoded to PCM, cut into detector
// chunks and turned into speech segments, which the Manager hands to every
// registered SegmentSink. The Manager also enforces the connection limit and
// closes connections that stop sending audio.
package stream
