// Package flight collapses concurrent requests for the same digest into a
// single upstream fetch. The shared Fetch handle buffers the byte stream in
// an append-only log and fans it out to any number of subscriber readers:
// every reader that attaches before EOF observes identical bytes in identical
// order, and a slow or cancelled reader never stalls the producer, so the
// cache file keeps filling even after the last client hangs up. The handle
// also carries the upstream content type/length and two latches: one for the
// cache write finishing and one for the digest validation verdict.
package flight
