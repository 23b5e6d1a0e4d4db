// Package store provides SQLite persistence for the thumbnail cache.
//
// It records:
//   - URLs that exceeded a video size limit, for fast-fail on later requests
//   - Content identities derived from HTTP validators, and the URLs mapped to them
//   - Thumbnail variants per content identity, with access bookkeeping
//   - Key/value settings overlaid on the environment configuration
//
// The database uses WAL mode and is created on first open.
package store
