// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package token signs and verifies the per-dispatch credential spec.md
// §4.9 requires a worker present back on its callback: proof that the
// callback actually came from the run it claims to, not a guessed ID.
// No JWT library appears anywhere in the retrieval pack (see DESIGN.md),
// so this follows the pack's own habit of reaching for crypto/hmac
// directly rather than pulling in a dependency none of the examples use.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Signer mints and verifies run tokens bound to SECRET_KEY.
type Signer struct {
	secret []byte
}

func NewSigner(secretKey string) *Signer {
	return &Signer{secret: []byte(secretKey)}
}

// Sign returns "runID.expiryUnix.signature", scoped to a single run ID
// and expiring after ttl. The worker echoes this back verbatim on its
// callback.
func (s *Signer) Sign(runID string, ttl time.Duration) string {
	expiry := time.Now().Add(ttl).Unix()
	payload := runID + "." + strconv.FormatInt(expiry, 10)
	mac := s.mac(payload)
	return payload + "." + mac
}

// Verify checks the signature, expiry, and that the token was minted
// for runID specifically — a token for one run can never authorize a
// callback claiming to be another.
func (s *Signer) Verify(runID, tok string) error {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return fmt.Errorf("malformed token")
	}
	tokenRunID, expiryStr, sig := parts[0], parts[1], parts[2]

	payload := tokenRunID + "." + expiryStr
	want := s.mac(payload)
	if subtle.ConstantTimeCompare([]byte(sig), []byte(want)) != 1 {
		return fmt.Errorf("invalid signature")
	}
	if tokenRunID != runID {
		return fmt.Errorf("token was issued for a different run")
	}

	expiry, err := strconv.ParseInt(expiryStr, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed expiry: %w", err)
	}
	if time.Now().Unix() > expiry {
		return fmt.Errorf("token expired")
	}
	return nil
}

func (s *Signer) mac(payload string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
