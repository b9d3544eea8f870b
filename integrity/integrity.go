// Package integrity verifies the on-disk protocol interface descriptor's
// hash against a pinned lockfile value at startup, ported from
// core/jupiter_perps/integrity.py (spec.md §6.6). Any mismatch or missing
// file is treated as a possible silent protocol upgrade and is fatal by
// default.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"perpsd/logx"
)

// IDLIntegrityError is returned by VerifyIDL when fatal=false so a caller
// can decide how to react instead of the process exiting outright.
type IDLIntegrityError struct {
	Reason string
}

func (e *IDLIntegrityError) Error() string { return "IDL integrity check failed: " + e.Reason }

// VerifyIDL computes sha256(idl bytes) and compares it against
// expectedHash. On success it logs the truncated hash at info level. On
// failure: if fatal, it logs critical and exits the process; otherwise it
// returns an *IDLIntegrityError.
func VerifyIDL(idlPath, expectedHash string, fatal bool) error {
	data, err := os.ReadFile(idlPath)
	if err != nil {
		reason := fmt.Sprintf("IDL not found at %s: %v", idlPath, err)
		return fail(reason, fatal)
	}

	sum := sha256.Sum256(data)
	actual := hex.EncodeToString(sum[:])
	expected := strings.ToLower(strings.TrimSpace(expectedHash))

	if actual != expected {
		reason := fmt.Sprintf("IDL hash mismatch at %s: expected=%s actual=%s", idlPath, expected, actual)
		return fail(reason, fatal)
	}

	logx.Event("idl_integrity_ok", map[string]any{"path": idlPath, "hash_prefix": actual[:16] + "..."})
	return nil
}

func fail(reason string, fatal bool) error {
	logx.Event("idl_integrity_failed", map[string]any{"reason": reason, "fatal": fatal})
	if fatal {
		logx.Errorf("idl integrity check failed, exiting: %s", reason)
		os.Exit(1)
	}
	return &IDLIntegrityError{Reason: reason}
}

// ComputeHash returns the lowercase hex sha256 of the file at idlPath,
// useful for generating/refreshing the pinned lockfile value offline.
func ComputeHash(idlPath string) (string, error) {
	data, err := os.ReadFile(idlPath)
	if err != nil {
		return "", fmt.Errorf("read IDL at %s: %w", idlPath, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
