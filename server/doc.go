// Package server implements the FormSeal HTTP API: proof-of-work
// gated anonymous submission intake and token-gated bulk export.
//
// The public surface is POST /api/challenge and POST /api/verify;
// verified ciphertexts are forwarded to the internal-only
// POST /api/write over a shared-secret channel and stored blind. The
// admin surface is POST /api/export-request, which mints a single-use
// short-lived export token, and GET /api/export/{token}, which burns
// the token and streams every stored ciphertext as annotated ndjson.
package server
