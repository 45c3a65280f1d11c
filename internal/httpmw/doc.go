// Package httpmw holds the request-scoped middleware for the proxy's public
// listener. httpserver.NewHandler decides the order; each constructor here
// only assumes what it documents about its neighbours (for example, the rate
// limiter reads the client IP that ClientIPWithOptions stored).
//
// Access logs carry method, route pattern, status, size, duration, client IP
// and request/trace IDs. They never carry query strings, headers or request
// bodies, so target URLs posted to /health/bulk stay out of the logs.
package httpmw
