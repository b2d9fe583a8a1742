package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"salesmesh/internal/apperrors"
	"salesmesh/internal/config"
)

// Principal is what a validated bearer token resolves to. The memory
// substrate only needs tenant/user identity out of the token; issuance and
// real JWT validation live with an external identity provider per spec
// (auth/JWT issuance is explicitly out of scope for this core) — tokenAuth
// below is the minimal stand-in that satisfies the HTTP contract.
type Principal struct {
	Username string
	TenantID string
}

type tokenClaims struct {
	Username string `json:"sub"`
	TenantID string `json:"tenant_id"`
	Exp      int64  `json:"exp"`
}

// tokenAuth issues and validates opaque bearer tokens signed with
// SECRET_KEY. It is not a JWT implementation: this core treats real
// token issuance as an external collaborator's concern and only needs a
// self-consistent stand-in to exercise the HTTP contract and tests.
type tokenAuth struct {
	secret   []byte
	expireIn time.Duration
}

func newTokenAuth(cfg config.SecretConfig) *tokenAuth {
	expire := time.Duration(cfg.AccessTokenExpireMinutes) * time.Minute
	if expire <= 0 {
		expire = 30 * time.Minute
	}
	return &tokenAuth{secret: []byte(cfg.Key), expireIn: expire}
}

func (t *tokenAuth) issue(username, tenantID string) (string, error) {
	claims := tokenClaims{Username: username, TenantID: tenantID, Exp: time.Now().Add(t.expireIn).Unix()}
	body, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	payload := base64.RawURLEncoding.EncodeToString(body)
	sig := t.sign(payload)
	return payload + "." + sig, nil
}

func (t *tokenAuth) validate(token string) (Principal, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return Principal{}, errors.New("malformed token")
	}
	if !hmac.Equal([]byte(t.sign(parts[0])), []byte(parts[1])) {
		return Principal{}, errors.New("bad signature")
	}
	body, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Principal{}, err
	}
	var claims tokenClaims
	if err := json.Unmarshal(body, &claims); err != nil {
		return Principal{}, err
	}
	if time.Now().Unix() > claims.Exp {
		return Principal{}, errors.New("token expired")
	}
	return Principal{Username: claims.Username, TenantID: claims.TenantID}, nil
}

func (t *tokenAuth) sign(payload string) string {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

var errUnauthorized = apperrors.New(apperrors.Unauthorized, "invalid credentials")
