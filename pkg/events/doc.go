/*
Package events provides the in-process event broker feeding the push
channel.

Subscribers register interest by group key (debug, tasks:all, task:<id>,
nodes) and receive matching events on a buffered channel. Publishing never
blocks the caller; a subscriber that cannot keep up drops events rather than
stalling the broker. Events are emitted after the persisting transaction
commits, so a delivered event always reflects committed state.
*/
package events
