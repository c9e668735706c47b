// Package client is the Go client for the coordination server's HTTP API,
// used by worker nodes and by the CLI. Methods take a context and return
// typed records; non-2xx responses come back as *APIError so callers can
// branch on the server's error code.
package client
