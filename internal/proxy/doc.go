// Package proxy adapts Fiber requests to the cache router and writes the
// routed result back, tagging every response with its class and source.
package proxy
