// Package sqlite implements dataservice.Service on a SQLite database.
//
// Besides the read facade it exposes mutators for integrations and tests.
// Every mutator emits the matching event bus topic once its write has
// committed, so subscribed channels observe a state that already exists.
// A cron-driven Sweeper marks agents past their expiry as expired.
package sqlite
