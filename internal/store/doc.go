// Package store persists reconciled records as JSON documents keyed by id.
//
// Backends only move bytes; Store layers the JSON codec on top, Cached adds
// an in-process read cache and Prefixed scopes keys to a namespace so that
// several sources can share one backend.
package store
