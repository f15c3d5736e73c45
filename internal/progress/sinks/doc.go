// Package sinks holds the progress.Sink implementations wired by the app:
// metrics, run history persistence and human-facing output.
package sinks
