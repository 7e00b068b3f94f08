// Package proxy orchestrates the blob retrieval contract: conditional
// responses, range slicing, cache hits, and the miss path that funnels
// concurrent requests through the in-flight deduplicator into a single
// streaming fetch-validate-cache pass. It also hosts the IP-gated upload and
// delete endpoints and the statistics page. Errors are mapped at this
// boundary: parse failures surface as 400/416, exhausted upstreams as 404,
// and cache or metadata trouble is logged without touching the response.
package proxy
