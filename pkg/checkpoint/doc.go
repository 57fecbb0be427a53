// Package checkpoint tracks crawl progress so an interrupted crawl resumes
// where the last committed page left off.
//
// A Store owns one checkpoint file per target and record kind, stored next to
// the record file it describes:
//
//	<out>/<prefix>_<kind>.checkpoint.json
//
// The file holds the last cursor, the oldest timestamp seen and the set of
// ids already persisted. Commit is called once per page, after that page's
// records were synced, and replaces the file atomically.
//
// Load never trusts the checkpoint alone: it rescans the record file and
// rebuilds the seen set from what is actually on disk.
package checkpoint
