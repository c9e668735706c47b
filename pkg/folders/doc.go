// Package folders tracks folder-level sub-progress for fan-out tasks:
// claimable work items, progress reports, and completion projections.
package folders
