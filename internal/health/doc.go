// Package health provides composable probes and the HTTP handlers behind the
// liveness and readiness endpoints on the ops listener.
//
// Probes combine with [All] (AND) and [Any] (OR). [Fixed] is a static probe
// and [CheckFunc] adapts a plain function. [Timeout] bounds a slow dependency
// check such as the S3 sink.
//
// [ShutdownGate] fails readiness as soon as shutdown starts so load balancers
// stop routing form traffic before in-flight submissions are drained.
package health
