// Package sinks contains event-bus subscribers for logs, metrics and Pub/Sub.
package sinks
