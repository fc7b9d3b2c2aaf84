package pow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasLeadingZeroBits(t *testing.T) {
	cases := []struct {
		name string
		hash []byte
		bits int
		want bool
	}{
		{"zero bits always pass", []byte{0xff, 0xff}, 0, true},
		{"one zero byte, 8 bits", []byte{0x00, 0xff}, 8, true},
		{"one zero byte, 9 bits", []byte{0x00, 0xff}, 9, false},
		{"partial byte pass", []byte{0x0f, 0xff}, 4, true},
		{"partial byte fail", []byte{0x1f, 0xff}, 4, false},
		{"12 bits exact", []byte{0x00, 0x0f, 0xff}, 12, true},
		{"12 bits off by one", []byte{0x00, 0x10, 0xff}, 12, false},
		{"18 bits", []byte{0x00, 0x00, 0x3f}, 18, true},
		{"18 bits fail", []byte{0x00, 0x00, 0x40}, 18, false},
		{"more bits than hash", []byte{0x00}, 16, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, HasLeadingZeroBits(tc.hash, tc.bits))
		})
	}
}

func TestSaltDeterministic(t *testing.T) {
	a := Salt(1700000000, "secret")
	b := Salt(1700000000, "secret")
	require.Equal(t, a, b)

	// Different timestamp or secret must change the salt.
	assert.NotEqual(t, a, Salt(1700000001, "secret"))
	assert.NotEqual(t, a, Salt(1700000000, "other"))

	// base64url with no padding.
	assert.NotContains(t, a, "=")
	assert.NotContains(t, a, "+")
	assert.NotContains(t, a, "/")
	assert.Len(t, a, 43) // 32 bytes -> 43 base64url chars
}

func TestReplayKeyIgnoresDifficulty(t *testing.T) {
	// Replay keys must collide across difficulties for the same
	// proof tuple, so a solved challenge cannot be resubmitted at a
	// different difficulty.
	k := ReplayKey("nonce", "cipher", 1700000000, "salt")
	require.NotEmpty(t, k)
	assert.Equal(t, k, ReplayKey("nonce", "cipher", 1700000000, "salt"))
	assert.NotEqual(t, k, ReplayKey("nonce2", "cipher", 1700000000, "salt"))
}
