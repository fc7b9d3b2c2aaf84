// Package pow implements the proof-of-work scheme that gates anonymous
// form submissions.
//
// The server issues a challenge consisting of a timestamp, a
// secret-derived salt and a difficulty calibrated against the client's
// self-reported hash speed. The client searches for a nonce such that
//
//	SHA-256(nonce|ciphertext|ts|salt|difficulty)
//
// has its top `difficulty` bits zero. Verification recomputes the salt
// from the timestamp and the shared server secret, so no challenge
// state is ever persisted; freshness is enforced by a fixed time
// window. Every verified proof yields a replay key that the caller
// must mark in a TTL-backed store to reject duplicate submissions.
package pow
