// Package health holds the probes behind the proxy's own liveness and
// readiness endpoints. They describe this process, not the targets it
// checks on behalf of callers.
//
// Probes compose with [All], [Any] and [Named]. [MinCount] gates readiness
// on a loaded target list and [ShutdownGate] fails readiness during drain so
// load balancers stop routing before listeners close.
package health
