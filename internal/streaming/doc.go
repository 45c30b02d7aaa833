// Package streaming serves byte windows of on-disk media over HTTP using the
// single-range subset of the Range protocol.
//
// A request flows through three pure steps before any I/O happens: ParseRange
// turns the raw header into a RangeSpec, Validate checks it against the
// resource size, and Resolve folds both into a Descriptor carrying the status
// code and the exact header set. Transmit then opens a private cursor on the
// Resource, seeks to the window start and copies the window to the client,
// releasing the cursor on every exit path.
//
// Malformed headers are treated as if no range had been requested. Out of
// bounds windows produce 416 with an empty body. A range that happens to cover
// the whole resource is still answered with 206.
package streaming
