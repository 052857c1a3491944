// Package api exposes the conversion pipeline over HTTP.
//
// The router is built on chi. Every request gets a request ID (echoed in
// X-Request-ID and attached to the context so pipeline logs carry it), a
// structured request log line, a bounded context, panic recovery and an
// OpenTelemetry span. The conversion route accepts
// {"name": ..., "quant_info": ...} and answers with the download URL of the
// reduced artifact. Client mirrors the route for remote CLI use.
package api
