// Package query turns DOM extraction into total functions over a live page.
//
// Missing elements are never errors: single lookups return nil, batch
// lookups return one entry per matched element in document order. Errors
// are reserved for the page itself failing (closed tab, canceled context).
// Nothing is cached; every call re-reads the page.
package query
