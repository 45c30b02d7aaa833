// Package server hosts the media API behind a single HTTP server.
//
// Requests pass through one middleware chain: request IDs, request logging,
// metrics, security headers, CORS, rate limiting and the stream concurrency
// cap. Only stream routes are subject to the per-client and concurrency
// limits so catalog browsing stays responsive while video transfers are
// throttled.
package server
