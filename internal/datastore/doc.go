// Package datastore is an offline-first sync engine. Host writes land in a
// local store and a durable mutation outbox; background processors push
// the outbox to a remote API, hydrate the local store from it and apply
// its realtime changes. Version conflicts are settled by a configurable
// handler.
package datastore
