// Package redis provides the RESP3 wire core for a client to Redis-compatible
// nodes. See <https://redis.io/docs/reference/protocol-spec/> for the
// concept.
//
// This package implements the codec and connection core only: an incremental
// decoder, a symmetric encoder, and a single-connection Session that
// multiplexes commands over one socket and correlates replies in FIFO order.
// Typed command helpers (GET, SET, ...), option parsing beyond the minimal
// Options struct, and transports other than TCP/Unix are left to callers.
package redis
