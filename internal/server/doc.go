// Package server implements the HTTP API of flowd
//
// It exposes offering data into registered streams, continuing and
// terminating traces, completing asynchronous tasks and querying contexts
package server
