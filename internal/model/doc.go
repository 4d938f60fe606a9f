// Package model defines the social entities shared by the sync layer.
//
// Conventions:
//   - IDs: canonical ids are server-assigned strings; provisional ids carry the "tmp-" prefix
//   - Timestamps: time.Time in UTC, serialized as RFC 3339 by the REST and socket payloads
//   - Counts: plain ints, always the server's canonical value once reconciled
package model
