// Package session implements tether's refresh-token lifecycle.
//
// It issues short-lived access tokens paired with opaque, single-use refresh
// tokens, rotates refresh tokens with reuse detection, revokes one, all or
// all-but-current tokens for a user, and lists live tokens as device sessions.
//
// Access tokens are PASETO v4.public by default (JWT HS256 when configured).
// Refresh tokens are random strings stored hashed (see cmd/security/token);
// the stored digest doubles as the session handle returned by ListSessions.
//
// Every state change is a conditional write ("only if not yet revoked"), so
// concurrent rotations of one token produce exactly one successor and the
// loser takes the reuse path. No rows are cached in memory across calls.
package session
