// Package errors defines the typed errors raised by the ingestion pipeline.
// Each AppError carries a Code from a small taxonomy so callers can decide
// whether a failure is recovered locally or tears the connection down.
package errors
