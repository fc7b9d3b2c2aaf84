// Package client implements the submitting side of the service: payload
// sealing, hash-speed benchmarking, proof-of-work solving, and
// submission. It also provides AdminClient for automation-mode exports.
//
// Sealing is compatible with libsodium's crypto_box_seal: an ephemeral
// X25519 key pair, a BLAKE2b-derived nonce, and the ephemeral public
// key prepended to the box. Anything sealed here opens with sodium and
// vice versa.
package client
