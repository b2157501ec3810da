// Package healthcheck implements periodic health checking for the upstream
// application. It monitors upstream availability and updates its health
// status based on HTTP health endpoint responses.
package healthcheck
