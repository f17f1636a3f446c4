// Package server hosts the client-facing TCP acceptor and the Fiber admin
// application. The acceptor listens on ListenPort, throttles accepts when a
// rate is configured, and hands every socket to the worker pool; sockets the
// pool cannot take are closed immediately. The admin app only carries the
// request-id and recover middleware, its /-/ routes are attached by the
// routes package so the diagnostics surface stays separate from the proxy path.
package server
