// Package state persists update records.
//
// The PebbleRepository keeps the most recent record, the artifact currently
// committed and a bounded history in a pebble database under the agent state
// directory. Values are YAML documents. Every write is synced, because a
// record that is lost on power failure would make the agent forget which
// artifact it installed.
package state
