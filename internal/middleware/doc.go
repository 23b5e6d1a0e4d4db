// Package middleware provides the HTTP middleware of the thumbnail service:
// request IDs, W3C Extended Log Format access logging and Prometheus request
// metrics labelled by route template.
package middleware
