// Package checkpoint persists crawl state in a crawl directory: the searched
// and unsearched checkpoints with their backups, the progress time series,
// and the write-once shard files from which the saved set is rebuilt.
//
// Every checkpoint write rotates the current primary to the backup name
// before writing the new primary through a temp file, so a reader always
// finds either the new primary or the previous good state.
package checkpoint
