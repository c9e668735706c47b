/*
Package log wraps zerolog behind a small global logger used across Foreman.

Init configures level, console or JSON output, and an optional log
directory. Components obtain child loggers with WithComponent and thread
request correlation ids through WithCorrelationID.
*/
package log
