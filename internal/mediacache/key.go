package mediacache

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"codeberg.org/snonux/hanzirecall/internal/domain"
)

// Key derives the content address of the artifact of kind for a reading.
// It depends only on the normalized symbol and pronunciation, and the hash
// cannot be reversed into either.
//
// Format: <kind>/<hash[:2]>/<hash[2:]>.<ext>
func Key(symbol, pronunciation string, kind domain.MediaKind) string {
	hash := contentHash(symbol, pronunciation)
	return path.Join(string(kind), hash[:2], hash[2:]+"."+kind.Extension())
}

// OverrideKey derives a fresh key for a per-card regeneration. It shares
// the hash prefix with the canonical key but carries a random suffix, so
// it never collides with the shared artifact.
func OverrideKey(symbol, pronunciation string, kind domain.MediaKind) string {
	hash := contentHash(symbol, pronunciation)
	return path.Join(string(kind), hash[:2], hash[2:]+"-"+uuid.NewString()+"."+kind.Extension())
}

// IsOverrideKey reports whether key was produced by OverrideKey.
func IsOverrideKey(key string) bool {
	return strings.Contains(path.Base(key), "-")
}

func contentHash(symbol, pronunciation string) string {
	h := sha256.New()
	h.Write([]byte(NormalizeSymbol(symbol)))
	h.Write([]byte{0x1f})
	h.Write([]byte(NormalizePronunciation(pronunciation)))
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeSymbol returns the canonical form used for hashing.
func NormalizeSymbol(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// NormalizePronunciation returns the canonical form used for hashing and
// comparing readings. Tone marks survive; case does not.
func NormalizePronunciation(s string) string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(s)))
}
