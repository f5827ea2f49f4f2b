package shared

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// canonicalMode encodes with Core Deterministic Encoding (sorted map keys,
// shortest integers) so logically equal payloads hash identically
// regardless of JSON key order or whitespace.
var canonicalMode cbor.EncMode

func init() {
	var err error
	canonicalMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("shared: CBOR encoder initialization failed: " + err.Error())
	}
}

// PayloadHash returns the hex BLAKE3 digest of the canonical form of a JSON
// document. An empty payload hashes like JSON null.
func PayloadHash(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		trimmed = []byte("null")
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	if err := dec.Decode(&doc); err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	canon, err := canonicalMode.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	sum := blake3.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// BytesHash returns the hex BLAKE3 digest of raw bytes.
func BytesHash(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// TokenFingerprint identifies a submitter without persisting the token itself.
func TokenFingerprint(token string) string {
	if token == "" {
		return ""
	}
	return BytesHash([]byte(token))[:16]
}
