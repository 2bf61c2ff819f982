// Package token loads API token records from disk.
//
// A token file holds a bearer credential issued by the upstream. The
// daemon treats the claims as opaque except for the expiry, which it
// extracts without verifying the signature: authenticating the token is
// the upstream's job, the agent only needs to avoid presenting one that
// has already expired.
package token

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Record is a loaded API token.
type Record struct {
	Path   string
	Raw    string
	Expiry time.Time
}

// LoadRecord reads the token file at path and extracts the expiry claim.
func LoadRecord(path string) (*Record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		Path: path,
		Raw:  strings.TrimSpace(string(raw)),
	}
	if rec.Raw == "" {
		return nil, fmt.Errorf("token file %s is empty", path)
	}

	// Claims are opaque bytes to the daemon; only exp is pulled out, and
	// the signature is deliberately not checked here.
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(rec.Raw, claims); err != nil {
		return nil, fmt.Errorf("token file %s: %w", path, err)
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		rec.Expiry = exp.Time
	}

	return rec, nil
}

// Expired reports whether the token carries an expiry in the past.
func (r *Record) Expired() bool {
	return !r.Expiry.IsZero() && time.Now().After(r.Expiry)
}

// Bearer returns the Authorization header value for this token.
func (r *Record) Bearer() string {
	return "Bearer " + r.Raw
}
