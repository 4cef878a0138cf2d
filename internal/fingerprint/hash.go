// Package fingerprint computes the stable content hash that identifies a
// (text, model, voice, speed, codec) tuple. The fingerprint is the audio
// cache key, the queue dedup key, and the cross-user sharing key all at
// once, so it must be a pure function: no I/O, no replica-dependent state.
package fingerprint

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// sep is a NUL byte separating fields in the hashed byte stream so that,
// e.g., text="a|b" with model="c" cannot collide with text="a" with
// model="b|c".
const sep = 0x00

// Compute returns the hex-encoded fingerprint for the given synthesis
// parameters. Speed is rendered to exactly two decimal digits so that 1.0
// and 1.00 hash identically.
func Compute(text, modelSlug, voiceSlug string, speed float64, codec string) string {
	h, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 only errors on a bad key length, and we pass no key.
		panic(fmt.Sprintf("fingerprint: blake2b.New256: %v", err))
	}
	h.Write([]byte(text))
	h.Write([]byte{sep})
	h.Write([]byte(modelSlug))
	h.Write([]byte{sep})
	h.Write([]byte(voiceSlug))
	h.Write([]byte{sep})
	fmt.Fprintf(h, "%.2f", speed)
	h.Write([]byte{sep})
	h.Write([]byte(codec))
	return hex.EncodeToString(h.Sum(nil))
}
