// Package server assembles the Fiber application: panic recovery, request-ID
// and CORS middleware, and the catch-all route that dispatches by method and
// path shape (statistics page, blob retrieval, upload, delete, preflight).
// The blob handler is injected through an interface so tests can swap in
// fakes without standing up the full pipeline.
package server
