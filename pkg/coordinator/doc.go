/*
Package coordinator drives the task lifecycle.

Tasks move Pending -> Running -> {Completed, Failed, Cancelled}, with
cancellation also allowed from Pending. Every mutation is guarded by the
optimistic version token: two concurrent updaters carrying the same version
cannot both win, and the loser receives the winner's state for
reconciliation.

Fan-out tasks (VolumeCompression) are shared by several nodes at once: any
assignee polling the task while it is Running receives it, and completion is
aggregated from the task's folder work items. If any folder ends Failed the
task ends Failed with an aggregate message, otherwise Completed.
*/
package coordinator
