// Package ratelimit provides per-IP token buckets for the public proxy
// listener.
//
// A /health/bulk call fans out to every configured target, so it can be
// charged more than one token with [WithPathCost]. Buckets live in a
// bounded LRU; when it is full the least recently seen caller is forgotten
// and [IPLimiter.OnCapacity] fires. Idle callers are swept after the TTL.
//
// The limiter is in memory and per instance. It is no defence against
// distributed callers; that belongs in a WAF or the load balancer.
package ratelimit
