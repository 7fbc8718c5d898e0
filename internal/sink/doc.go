// Package sink holds segment consumers that are not transports, such as
// the debug sink that saves every segment as a WAV file.
package sink
