// Package logging provides file-based logging with rotation for Osgrep.
// Logs are written as JSON to ~/.osgrep/logs/osgrep.log.
//
// The --debug flag installs a debug-level logger that also writes to stderr.
// The index, search, watch and serve commands install their own info-level
// logger that writes to the file only, with or without --debug.
package logging
