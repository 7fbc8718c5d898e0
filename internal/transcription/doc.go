// Package transcription posts finalized speech segments to a transcription
// API as WAV multipart uploads. Requests are retried with exponential
// backoff and bounded by a weighted semaphore; the client doubles as a
// segment sink that transcribes in the background.
package transcription
