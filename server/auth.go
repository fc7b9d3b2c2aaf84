package server

import (
	"context"
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/grayguava/formseal/kv"
)

// AuthMode distinguishes the two admin authentication modes. The mode
// is detected explicitly from the request shape once, at the boundary,
// and carried on the resolved identity.
type AuthMode string

const (
	ModeAutomation AuthMode = "automation"
	ModeBrowser    AuthMode = "browser"
)

// PrimaryAdminID is the only admin identity in this design.
// Multi-admin support would extend the resolver, not the callers.
const PrimaryAdminID = "primary-admin"

const (
	// browserTsWindow bounds clock skew on browser-signed requests.
	browserTsWindow = 120 * time.Second

	// nonceTTL is how long a browser nonce stays marked as used.
	nonceTTL = 300 * time.Second
)

// Identity is a resolved admin caller. Derived per-request, never
// persisted.
type Identity struct {
	AdminID string   `json:"adminId"`
	Mode    AuthMode `json:"mode"`
}

// BrowserAuth carries the signed fields of a browser-mode request.
type BrowserAuth struct {
	Ts        int64  `json:"ts"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// CanonicalExportRequest builds the exact byte string a browser-mode
// caller signs. Any change here is a protocol break with deployed
// signers.
func CanonicalExportRequest(ts int64, nonce string) []byte {
	return []byte(fmt.Sprintf("EXPORT_V1\nPOST\n/api/export-request\n%d\n%s", ts, nonce))
}

// AdminAuth resolves caller identity from either a static automation
// bearer secret or a signed, nonce-bound browser request.
type AdminAuth struct {
	automationSecret string
	browserPubKey    ed25519.PublicKey
	nonces           kv.Store
	now              func() time.Time
}

// NewAdminAuth creates a resolver. An empty automation secret or nil
// browser key disables the corresponding mode; it never opens it.
func NewAdminAuth(automationSecret string, browserPubKey ed25519.PublicKey, nonces kv.Store) *AdminAuth {
	return &AdminAuth{
		automationSecret: automationSecret,
		browserPubKey:    browserPubKey,
		nonces:           nonces,
		now:              time.Now,
	}
}

// DetectMode classifies a request. A Bearer Authorization header means
// automation; everything else is treated as a browser request. The
// detection is explicit and never inferred from payload shape.
func DetectMode(r *http.Request) AuthMode {
	if strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		return ModeAutomation
	}
	return ModeBrowser
}

// Authenticate resolves the caller's identity or returns
// ErrUnauthorized. Failures at any step yield the same error; callers
// must not leak which gate failed.
func (a *AdminAuth) Authenticate(ctx context.Context, r *http.Request) (*Identity, error) {
	if DetectMode(r) == ModeAutomation {
		return a.verifyAutomation(r)
	}
	return a.verifyBrowser(ctx, r)
}

func (a *AdminAuth) verifyAutomation(r *http.Request) (*Identity, error) {
	// Absent secret fails closed: no configured secret means no
	// automation access, not open access.
	if a.automationSecret == "" {
		return nil, ErrUnauthorized
	}

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.automationSecret)) != 1 {
		return nil, ErrUnauthorized
	}

	return &Identity{AdminID: PrimaryAdminID, Mode: ModeAutomation}, nil
}

func (a *AdminAuth) verifyBrowser(ctx context.Context, r *http.Request) (*Identity, error) {
	if len(a.browserPubKey) != ed25519.PublicKeySize || a.nonces == nil {
		return nil, ErrUnauthorized
	}

	auth, err := browserAuthFromRequest(r)
	if err != nil {
		return nil, ErrUnauthorized
	}

	drift := a.now().Unix() - auth.Ts
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(browserTsWindow/time.Second) {
		return nil, ErrUnauthorized
	}

	if auth.Nonce == "" {
		return nil, ErrUnauthorized
	}

	// Mark the nonce before verifying the signature so replay spam
	// costs one store round-trip, not a signature check.
	fresh, err := a.nonces.PutIfAbsent(ctx, "nonce:"+auth.Nonce, "1", nonceTTL)
	if err != nil || !fresh {
		return nil, ErrUnauthorized
	}

	sig, err := base64.RawURLEncoding.DecodeString(auth.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return nil, ErrUnauthorized
	}
	if !ed25519.Verify(a.browserPubKey, CanonicalExportRequest(auth.Ts, auth.Nonce), sig) {
		return nil, ErrUnauthorized
	}

	return &Identity{AdminID: PrimaryAdminID, Mode: ModeBrowser}, nil
}

// browserAuthFromRequest extracts the signed fields. POST carries them
// as a JSON body; GET (token redemption) carries them as query
// parameters since the download is a plain link.
func browserAuthFromRequest(r *http.Request) (*BrowserAuth, error) {
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		ts, err := strconv.ParseInt(q.Get("ts"), 10, 64)
		if err != nil {
			return nil, err
		}
		return &BrowserAuth{
			Ts:        ts,
			Nonce:     q.Get("nonce"),
			Signature: q.Get("signature"),
		}, nil
	}

	var auth BrowserAuth
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&auth); err != nil {
		return nil, err
	}
	return &auth, nil
}
