// Package events is the in-process bus that carries crawl lifecycle signals
// and observed entities from crawl sessions to their subscribers.
//
// A Hub buffers events on a bounded channel and hands ordered batches to each
// registered Sink from a single goroutine. Publish applies backpressure
// instead of dropping, so neither an observed entity nor a crawl:end is lost
// when a slow sink fills the buffer; callers bound the wait with their
// context.
package events
