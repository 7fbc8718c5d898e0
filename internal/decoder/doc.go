// Package decoder turns an arbitrarily chunked Ogg/Opus byte stream into
// canonical PCM frames. Demuxing and decoding run on a dedicated worker fed
// through a bounded channel; callers feed bytes and poll frames without
// touching the worker directly.
package decoder
