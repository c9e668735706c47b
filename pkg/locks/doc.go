/*
Package locks implements the distributed advisory file-lock service.

Locks are keyed by a canonical path form (see Normalize) so that spellings
differing only by case, separator style, or redundant separators contend for
the same row. Acquisition is race-free: the store serializes writers, so
under concurrent TryAcquire calls for one path exactly one caller wins.
Holders keep locks alive by refreshing; rows unrefreshed past the TTL are
reclaimable by anyone and deleted by the sweeper.
*/
package locks
