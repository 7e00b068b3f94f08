// Package upstream locates and downloads blobs from candidate servers. The
// Fetcher issues full-object GETs with a per-request deadline and a bounded,
// digest-pinned redirect chain (a redirect whose target URL no longer
// contains the requested digest is treated as a failure). The Resolver merges
// candidate servers from request hints, author server lists and configured
// fallbacks, deduplicated by origin in first-seen order. Author server lists
// are fetched from nostr relays (kind 10063) and memoized with a TTL cache.
package upstream
