// Package types contains the shared leaf types of the assistant:
// pipeline exit codes, retrievable chunks, queries and the per-request
// session scratchpad. It has no dependencies on other project packages.
package types
