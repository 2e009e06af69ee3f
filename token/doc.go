// Package token stores token lifecycle records in Redis.
//
// Each record is one rotation chain: the access token ID stays fixed while
// the refresh hash is swapped atomically on every refresh. Rotation uses a
// compare-hash-and-swap Lua script, so a replayed refresh token is detected
// server-side and revokes the chain in the same round trip. A per-user
// sorted set scored by creation time keeps sessions ordered oldest first
// for concurrency eviction.
package token
