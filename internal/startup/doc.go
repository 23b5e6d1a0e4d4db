// Package startup holds the lifecycle logging of the service: build
// information, external tool checks, the route listing, the "server started"
// summary and the shutdown steps.
//
// Configuration itself lives in the config package; startup only reports
// on what was loaded.
package startup
