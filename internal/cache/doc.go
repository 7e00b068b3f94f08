// Package cache owns the on-disk blob directory and the sqlite metadata
// database that tracks (digest, last_accessed, size, uploaded). Blob files
// live at <cache_dir>/<digest> with no extension and are written through a
// temp-file + rename writer so a mid-stream failure never leaves a partial
// entry behind. Metadata failures are logged and absorbed: serving
// correctness depends on the file, not on the database. The package also
// hosts the LRU pruner that evicts least-recently-accessed blobs down to a
// watermark whenever the configured size ceiling is exceeded.
package cache
