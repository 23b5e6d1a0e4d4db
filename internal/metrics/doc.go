// Package metrics provides Prometheus instrumentation for the thumbnailer.
//
// All metrics are registered with promauto at package init and are prefixed
// with "media_thumbnailer_". They fall into these groups:
//
//   - HTTP: request counts, durations and in-flight requests of the front end
//   - Database: query counts and durations of the SQLite store
//   - Thumbnails: admission path of each request, task outcomes, cache hits per
//     layer, adaptive timeout extensions, scheduler gauges
//   - Decoder: ffmpeg/ffprobe invocations and image decode backends
//   - Remote media: raw cache fetches, bytes, strategy outcomes, oversized fast fails
//   - Range proxy: chunk cache lookups and bytes served
//   - Filesystem and memory: stale-handle retries and memory backpressure
//
// The Collector samples scheduler gauges from a StatsProvider on an interval,
// which keeps this package free of imports from the packages it observes.
package metrics
