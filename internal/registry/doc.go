// Package registry catalogs the gateway's resilience components and serves
// an aggregated status snapshot for diagnostics.
package registry
