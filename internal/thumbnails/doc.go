// Package thumbnails schedules thumbnail generation and caches the results.
//
// A Manager collapses concurrent requests for the same cache key into one
// generation task, runs image and video work on separate worker pools,
// bounds the number of outstanding video tasks with a FIFO admission queue,
// and keeps decoded thumbnails in a FIFO memory cache backed by PNG files on
// disk. Request never blocks: results are delivered through a Handle.
package thumbnails
