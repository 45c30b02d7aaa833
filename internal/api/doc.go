// Package api hosts the HTTP handlers for the course media service.
//
// Handler looks media records up through an injected catalog.Catalog and hands
// video files to a streaming.Streamer, which owns the Range request contract.
// Catalog and filesystem failures are mapped to JSON error responses at this
// edge; the handlers never write partial headers before deciding on a status.
//
// Handlers assume the middleware from internal/server has already applied
// request IDs, logging, metrics, security headers, CORS and rate limiting.
package api
