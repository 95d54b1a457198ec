// Package storage defines the session journal: a record of every retired
// PTC session kept so that stale session references can be told apart
// from unknown ones.
//
// Implementations live in the memory and postgres subpackages.
package storage
