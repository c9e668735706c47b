// Package sweeper runs the background maintenance loops for lock expiry
// and node liveness.
package sweeper
