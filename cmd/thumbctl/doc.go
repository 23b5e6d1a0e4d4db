// Command thumbctl is the operator CLI for the thumbnail service. It works
// directly on the service's cache directory and database, so it can be run
// next to a live server or on its own.
//
// Usage:
//
//	thumbctl <command> [flags] [args]
//
// Commands:
//
//	generate [-w 256] [-h 256] [-type image|video] [-out DIR] <url-or-path>...
//	        Generate thumbnails through the same pipeline the server uses.
//	        With -out, each PNG is copied into DIR as well.
//
//	settings get [key]
//	settings set <key> <value>
//	settings unset <key>
//	        Read or change the stored settings that override the
//	        environment. A running server applies new video limits within a
//	        minute; unset keys fall back to the environment on restart.
//
//	oversized clear [-older 720h]
//	        Remove oversized flags older than the given age (0 clears all).
//
// Output is a table when stdout is a terminal and JSON lines otherwise.
//
// Environment:
//
//	CACHE_DIR, DATABASE_PATH and the other service variables are read the
//	same way the server reads them, including from .env.
package main
