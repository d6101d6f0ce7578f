// Package server hosts the video pipeline API behind a single HTTP server.
//
// The server builds a consistent middleware chain of request IDs, CORS,
// metrics, and logging so handlers all share common instrumentation.
package server
