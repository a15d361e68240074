// Package poller runs the polling coordinator: one goroutine per snapshot
// kind (status, config), each cycling Idle -> Fetching -> Success/Failed.
//
// A successful status fetch merges the latest config, recomputes derived
// Trident fields, resolves entity identities and publishes the snapshot to
// subscribers wholesale. Failures keep the previous snapshot alive and
// stretch the next fetch by exponential backoff; rate limits back off at
// least to the configured floor. Config refreshes can also be forced
// out-of-band, coalescing with any fetch already in flight.
package poller
