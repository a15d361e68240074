// Package control translates entity-level commands into controller writes.
//
// Every command validates against the modes the last snapshot reports
// before any network call: invalid commands and read-only mode fail fast
// and never touch the device. Writes are never reflected optimistically;
// a successful write requests a prompt status poll instead, so state shown
// to consumers is always state the device actually confirmed.
package control
