// Package protocol implements the framed TCP ingest protocol: an 8-byte
// big-endian header followed by a HELLO, AUDIO or BYE payload. It covers
// frame parsing, encoding, validation and sequence checking.
package protocol
