package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// IdempotencyKey fingerprints an instruction so duplicate submissions can be
// collapsed. The canonical form is JSON: struct fields serialize in declared
// order and encoding/json sorts map keys, so two instructions with equal
// field values (source idea payload included) always hash identically.
//
// Instructions that differ only in fields excluded from serialization will
// collide. That is the intended contract, not a defect.
func IdempotencyKey(instr OrderInstruction) (string, error) {
	canonical, err := json.Marshal(instr)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize instruction: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
