// Package crawler implements the resumable harvest engine: the three-set work
// queue (unsearched, searched, saved), the batch fetch loop with its fixed
// retry schedule, periodic checkpointing, shard rollover, and the strategy
// interfaces (Seeder, Selector, Fetcher, Processor) that a data source plugs in.
package crawler
