// Package server hosts the Fiber HTTP surfaces of both roles. The store role
// exposes a backing.Store as JSON RPC under /rpc/; the proxy role exposes the
// session file API under /sessions backed by a proxy.Service. Both share the
// request-id and recover middleware chain and the /-/ diagnostics endpoints.
// Keep exports narrow and accept explicit dependencies.
package server
