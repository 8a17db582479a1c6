// internal/lobby/codes.go
package lobby

import (
	"crypto/rand"
	"math/big"
	"strings"
)

// CodeAlphabet leaves out characters that are easy to misread (0/O, 1/I).
const CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CodeLength is the number of characters in a generated room code.
const CodeLength = 6

var alphabetSize = big.NewInt(int64(len(CodeAlphabet)))

// NewRoomCode returns a random room code.
func NewRoomCode() (string, error) {
	var b strings.Builder
	b.Grow(CodeLength)
	for i := 0; i < CodeLength; i++ {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", err
		}
		b.WriteByte(CodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NormalizeCode upper-cases a user-typed code and trims whitespace.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCode reports whether code could name a lobby. Codes typed by players are
// accepted with any length so older short codes keep working.
func ValidCode(code string) bool {
	if code == "" || len(code) > 16 {
		return false
	}
	for _, r := range code {
		if !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}
