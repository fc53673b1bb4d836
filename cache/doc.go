// Package cache stores catalog payloads fetched from the upstream provider in
// two tiers and lets callers recover them as typed values.
//
// # Keys
//
// Keys follow the convention "{profile_id}:{content_type}[:{identifier}]",
// for example "p1:channels", "p1:channels:12" or "p1:epg:4021". [Key] builds
// them and [ParseKey] splits them. The profile segment becomes the entry's
// owner, so clearing or deleting a profile removes its entries. Invalidation
// patterns use SQL LIKE syntax: % matches any run of characters, _ matches one
// character and a backslash escapes the next one. [EscapePattern] turns an
// arbitrary string into a literal fragment.
//
// # Tiers
//
//   - [Persistent]: The durable tier over a [Store]. Values are serialized to
//     msgpack. A value whose expiry has passed is absent for [Get] but is
//     still returned by [GetStale], until a background loop purges it once
//     the stale retention window ([DefaultStaleRetention]) has also passed.
//
//   - [Memory]: An in-process mirror of the durable tier, sharded by xxhash
//     of the key, with an LRU bound per shard. It is populated when a miss is
//     served from the durable tier, overwritten on write and purged on
//     invalidation. It is never consulted for stale reads.
//
//   - [ContentCache]: Both tiers behind one API. This is what the rest of the
//     application uses.
//
// # Engines
//
//   - [NewSQLiteStore]: Rows in the cache_entries table of the application
//     database. Each row references its profile, so deleting a profile
//     cascades. Writing an entry for an unknown profile registers a
//     placeholder profile row in the same transaction.
//
//   - [NewRedisStore]: One hash per key, for deployments where several
//     processes share a cache. Redis expires hashes once the stale retention
//     window has passed, and patterns are matched with SCAN.
//
//   - [NewBoltStore]: Records in a single bbolt file, for a process that keeps
//     its cache apart from the profile database. Clearing a profile walks its
//     key prefix.
//
// # Generic Helpers
//
// [Get] and [GetStale] decode a payload into the caller's type:
//
//	found, channels, err := cache.Get[[]upstream.Channel](ctx, c, cache.Key("p1", cache.ContentChannels))
//
// A payload that cannot be decoded into T is reported as a fault.KindDecode
// error rather than as a miss.
package cache
