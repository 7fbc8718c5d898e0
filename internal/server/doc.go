// Package server exposes the service to the network: WebSocket and framed
// TCP ingest of encoded kiosk audio, and the HTTP monitoring API with
// connection, queue, detector and Prometheus endpoints.
package server
