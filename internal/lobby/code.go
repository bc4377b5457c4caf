package lobby

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
)

// codeAlphabet omits characters that are easy to confuse when read aloud (0/O, 1/I/L).
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// CodeLength is the length of generated join codes.
const CodeLength = 6

// bytes at or above this are rejected so every symbol is equally likely
const codeByteLimit = 256 - 256%len(codeAlphabet)

func generateCode() (string, error) {
	return codeFrom(rand.Reader)
}

// codeFrom draws a code from r by rejection sampling.
func codeFrom(r io.Reader) (string, error) {
	out := make([]byte, 0, CodeLength)
	buf := make([]byte, CodeLength*2)
	for len(out) < CodeLength {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes for lobby code: %w", err)
		}
		for _, c := range buf {
			if int(c) >= codeByteLimit {
				continue
			}
			out = append(out, codeAlphabet[int(c)%len(codeAlphabet)])
			if len(out) == CodeLength {
				break
			}
		}
	}
	return string(out), nil
}

// NormalizeCode upper-cases and trims a user-typed code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
