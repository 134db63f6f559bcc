// Package crawler drives label-routed crawl sessions over a browser.
//
// A Session owns one crawl at a time: it visits the seed request, hands each
// loaded page to the Router by label, and keeps visiting whatever the handlers
// enqueue until the frontier is empty. Page visits are bounded by a worker
// limit and a session-wide requests-per-minute budget.
package crawler
