// Package timeout bounds total handling time per request so that slow or
// hung handlers cannot build an unbounded backlog.
//
// The enforcer races each handler against a deadline: the handler's
// buffered response wins if it completes in time, otherwise the client
// receives 504 with the path, method and configured timeout. Requests
// that finish within the deadline but past 80% of it are logged as
// near misses so latency trouble surfaces before it becomes failures.
package timeout
