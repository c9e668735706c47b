/*
Package types defines the entities owned by the Foreman dispatch server:
nodes, tasks, folder work items, and advisory file locks.

All timestamps are UTC. Entities are value types from the caller's point of
view; mutation happens inside storage transactions.
*/
package types
