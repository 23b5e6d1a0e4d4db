// Package logging provides leveled, printf-style logging for the thumbnailer.
//
// Levels are DEBUG, INFO, WARN and ERROR, plus FATAL which exits. The initial
// level comes from DEBUG (any truthy value forces debug) or LOG_LEVEL, and may
// be replaced at runtime with SetLevel.
package logging
