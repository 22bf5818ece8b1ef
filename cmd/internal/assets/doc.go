// Package assets stores immutable binary blobs addressed by the SHA-256 of
// their content.
//
// Identical payloads share one row: the first Put wins, and later Puts of
// the same bytes return the stored row with its original content type and
// alt text.
package assets
