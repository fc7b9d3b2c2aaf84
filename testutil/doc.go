// Package testutil provides shared fixtures for tests: ready-made
// server configurations over in-memory stores, admin key generation,
// and a low-difficulty proof solver.
package testutil
