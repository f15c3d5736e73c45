// Package store declares the repository used to keep a history of crawl runs
// and their per-stage counters.
package store
