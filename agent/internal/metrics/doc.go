// Package metrics counts what the agent does with events and exposes the
// counters in the Prometheus text exposition format.
//
// A Registry is safe for concurrent use and every method is a no-op on a nil
// *Registry, so components can take an optional registry without guarding
// each call. Fetch reads the exposition back from a running agent's
// metrics endpoint.
package metrics
