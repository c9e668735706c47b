// Package metrics defines the prometheus collectors exported by the server.
package metrics
