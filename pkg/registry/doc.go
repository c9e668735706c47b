// Package registry tracks worker nodes: registration, heartbeats,
// availability, and reclamation of work from silent nodes.
package registry
