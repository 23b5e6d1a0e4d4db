// Command media-thumbnailer serves PNG thumbnails for remote and local media
// over HTTP.
//
// # Startup
//
//  1. Configuration: .env, then the environment, then the settings table
//  2. Memory: heap limit from MEMORY_LIMIT or GOMEMLIMIT, and the memory gate
//     that pauses thumbnail workers under pressure
//  3. Database: SQLite store for content identity, thumbnail variants,
//     oversized flags and settings
//  4. Media: libvips (when USE_VIPS is set) and the ffmpeg processor
//  5. Range proxy: loopback chunk cache for remote videos (ENABLE_RANGE_PROXY)
//  6. Thumbnail manager: image and video worker pools with deduplication
//  7. HTTP server
//
// # Background Jobs
//
//   - Metrics collector: samples scheduler gauges every 15s
//   - Maintenance: hourly expiry of oversized flags older than 30 days,
//     range proxy cache trimming and database gauges
//   - Settings refresh: re-reads the settings table every minute and applies
//     changed video limits without a restart
//
// # Endpoints
//
//   - GET /api/thumbnail?url=&w=&h=&type=&id=: PNG thumbnail
//   - GET /health, /healthz: scheduler and memory status (503 while paused)
//   - GET /livez: liveness
//   - GET /version: build information
//   - GET /metrics: Prometheus metrics
//
// # Graceful Shutdown
//
// On SIGINT or SIGTERM the HTTP server drains, unstarted thumbnail work is
// failed, and the range proxy, memory gate, libvips and database are closed
// in that order within 30s.
//
// # Build Requirements
//
// CGO is required for SQLite and libvips. FFmpeg and ffprobe must be on the
// PATH (or FFMPEG_PATH/FFPROBE_PATH) for video thumbnails.
package main
