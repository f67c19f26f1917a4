// Package server hosts the Fiber HTTP service and its middleware chain.
// Every request gets a request ID; paths under /-/ belong to diagnostics
// (registered by the routes package) and everything else is handed to the
// injected ProxyHandler, which runs the cache router.
package server
