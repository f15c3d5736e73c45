// Package crawler wires the three-stage crawl pipeline: a Feeder discovers URLs
// from seeds, a Parser turns each URL into download tasks, and a Downloader
// persists the referenced resources. Stages run as independent worker pools
// connected by in-memory queues, and the Crawler detects completion by close
// propagation from one queue to the next.
package crawler
