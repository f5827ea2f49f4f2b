package spawner

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/zeebo/blake3"

	"github.com/basket/vx11/internal/shared"
)

// Token kinds carried in the "kind" claim.
const (
	KindCallback  = "callback"
	KindHeartbeat = "heartbeat"
)

const keyContext = "vx11 2026-03 daughter callback key"

// ErrBadSignature is returned for any callback whose token fails verification.
var ErrBadSignature = errors.New("invalid callback signature")

// CallbackClaims bind a token to one daughter and one request body.
type CallbackClaims struct {
	Kind     string `json:"kind"`
	BodyHash string `json:"bh"`
	jwt.RegisteredClaims
}

// DaughterKey derives the per-daughter signing key from the spawner secret.
// Workers receive only their own key.
func DaughterKey(secret, daughterID string) []byte {
	root := blake3.Sum256([]byte(keyContext + "\x00" + secret))
	h, err := blake3.NewKeyed(root[:])
	if err != nil {
		panic(err) // only fails for keys that are not 32 bytes
	}
	_, _ = h.Write([]byte(daughterID))
	return h.Sum(nil)
}

// DaughterKeyHex is DaughterKey hex-encoded for handing to a worker.
func DaughterKeyHex(secret, daughterID string) string {
	return hex.EncodeToString(DaughterKey(secret, daughterID))
}

// SignWithKey signs body for daughterID with an already derived key.
func SignWithKey(key []byte, daughterID, kind string, body []byte, now time.Time) (string, error) {
	claims := CallbackClaims{
		Kind:     kind,
		BodyHash: shared.BytesHash(body),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   daughterID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", kind, err)
	}
	return signed, nil
}

// Sign signs body for daughterID with the spawner secret.
func Sign(secret, daughterID, kind string, body []byte, now time.Time) (string, error) {
	return SignWithKey(DaughterKey(secret, daughterID), daughterID, kind, body, now)
}

// Verify checks that token was signed for daughterID and kind over body.
func Verify(secret, daughterID, kind, token string, body []byte, now time.Time) (*CallbackClaims, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil, ErrBadSignature
	}
	claims := &CallbackClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return DaughterKey(secret, daughterID), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithSubject(daughterID),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if claims.Kind != kind {
		return nil, fmt.Errorf("%w: token kind %q, want %q", ErrBadSignature, claims.Kind, kind)
	}
	if claims.BodyHash != shared.BytesHash(body) {
		return nil, fmt.Errorf("%w: body hash mismatch", ErrBadSignature)
	}
	return claims, nil
}
