package client

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/box"
)

const sealOverhead = 32 + box.Overhead

var ErrSealOpen = errors.New("sealed box did not open")

// sealNonce derives the crypto_box_seal nonce: BLAKE2b-24 over the
// ephemeral public key followed by the recipient public key.
func sealNonce(epk, pk *[32]byte) (*[24]byte, error) {
	h, err := blake2b.New(24, nil)
	if err != nil {
		return nil, err
	}
	h.Write(epk[:])
	h.Write(pk[:])

	var nonce [24]byte
	copy(nonce[:], h.Sum(nil))
	return &nonce, nil
}

// SealToRecipient seals msg to the recipient's public key. The output
// is the ephemeral public key followed by the box, the exact layout
// sodium's crypto_box_seal produces.
func SealToRecipient(recipient *[32]byte, msg []byte) ([]byte, error) {
	epk, esk, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ephemeral key: %w", err)
	}

	nonce, err := sealNonce(epk, recipient)
	if err != nil {
		return nil, fmt.Errorf("deriving seal nonce: %w", err)
	}

	out := make([]byte, 32, sealOverhead+len(msg))
	copy(out, epk[:])
	return box.Seal(out, msg, nonce, recipient, esk), nil
}

// OpenSealed opens a sealed box with the recipient's key pair.
func OpenSealed(recipientPub, recipientPriv *[32]byte, sealed []byte) ([]byte, error) {
	if len(sealed) < sealOverhead {
		return nil, ErrSealOpen
	}

	var epk [32]byte
	copy(epk[:], sealed[:32])

	nonce, err := sealNonce(&epk, recipientPub)
	if err != nil {
		return nil, fmt.Errorf("deriving seal nonce: %w", err)
	}

	msg, ok := box.Open(nil, sealed[32:], nonce, &epk, recipientPriv)
	if !ok {
		return nil, ErrSealOpen
	}
	return msg, nil
}

// SealToRecipientB64 seals msg and encodes the result for transport as
// a submission ciphertext.
func SealToRecipientB64(recipient *[32]byte, msg []byte) (string, error) {
	sealed, err := SealToRecipient(recipient, msg)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// OpenSealedB64 decodes and opens a transport-encoded ciphertext.
func OpenSealedB64(recipientPub, recipientPriv *[32]byte, ciphertext string) ([]byte, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	return OpenSealed(recipientPub, recipientPriv, sealed)
}
