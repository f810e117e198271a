// Package fetch drives the external download engine for one resource at a
// time. It turns declarative options into engine arguments, aborts fetches
// that exceed their total or stall timeouts, and reports a structured
// Outcome. A fetch whose engine reported an error still succeeds when a
// primary media file is present in the output directory.
package fetch
