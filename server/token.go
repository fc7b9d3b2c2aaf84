package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/grayguava/formseal/kv"
)

// ExportTokenTTL is how long a minted export token stays redeemable.
const ExportTokenTTL = 60 * time.Second

// TokenRecord is what an export token points at in the store. The
// record is immutable; its only state transition is deletion.
type TokenRecord struct {
	AdminID string   `json:"adminId"`
	Mode    AuthMode `json:"mode"`
	Exp     int64    `json:"exp"`
}

// ExportTokenManager mints and burns single-use export tokens. A token
// is an opaque 256-bit capability bound to the minting admin identity;
// the backing record is deleted on every redemption path that reaches
// it, success or not, so a token can never authorize two disclosure
// attempts.
type ExportTokenManager struct {
	tokens kv.Store
	now    func() time.Time
}

// NewExportTokenManager creates a manager over the token store.
func NewExportTokenManager(tokens kv.Store) *ExportTokenManager {
	return &ExportTokenManager{tokens: tokens, now: time.Now}
}

func tokenKey(token string) string {
	return "export:" + token
}

// Mint creates a token for the given identity and returns it along
// with its lifetime in seconds. The raw record never leaves the store.
func (m *ExportTokenManager) Mint(ctx context.Context, id *Identity) (string, int, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", 0, fmt.Errorf("generating export token: %w", err)
	}
	token := hex.EncodeToString(buf)

	record, err := json.Marshal(&TokenRecord{
		AdminID: id.AdminID,
		Mode:    id.Mode,
		Exp:     m.now().Add(ExportTokenTTL).Unix(),
	})
	if err != nil {
		return "", 0, fmt.Errorf("encoding token record: %w", err)
	}

	if err := m.tokens.Put(ctx, tokenKey(token), string(record), ExportTokenTTL); err != nil {
		return "", 0, fmt.Errorf("storing export token: %w", err)
	}
	return token, int(ExportTokenTTL / time.Second), nil
}

// Redeem burns the token and reports whether the caller may proceed
// with the export. Burn-before-use: by the time Redeem returns nil the
// record is already gone, so a failure later in the export cannot be
// retried with the same token.
func (m *ExportTokenManager) Redeem(ctx context.Context, token string, caller *Identity) error {
	key := tokenKey(token)

	raw, err := m.tokens.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return ErrTokenNotFound
	}
	if err != nil {
		return fmt.Errorf("reading export token: %w", err)
	}

	var record TokenRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		_ = m.tokens.Delete(ctx, key)
		return ErrTokenCorrupt
	}

	if m.now().Unix() > record.Exp {
		_ = m.tokens.Delete(ctx, key)
		return ErrTokenExpired
	}

	if record.AdminID != caller.AdminID {
		// Identity binding: a stolen token dies on first use even
		// before multi-admin exists.
		_ = m.tokens.Delete(ctx, key)
		return ErrTokenMismatch
	}

	if err := m.tokens.Delete(ctx, key); err != nil {
		return fmt.Errorf("burning export token: %w", err)
	}
	return nil
}
