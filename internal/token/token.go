// Package token mints the random strings that pair a request with its response.
//
// Tokens are drawn uniformly from [A-Za-z0-9]. No collision detection is
// performed here; callers that keep a table of outstanding tokens may retry
// on the rare duplicate.
package token

import (
	"math/rand/v2"
	"strings"
)

// DefaultLength is the length of tokens minted by Generate.
const DefaultLength = 16

// Alphanumeric is the default symbol set (62 symbols).
const Alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Generator mints tokens of a fixed length from an alphabet.
// The zero value is usable and produces DefaultLength alphanumeric tokens.
type Generator struct {
	// Length is the number of symbols per token. Values <= 0 mean DefaultLength.
	Length int

	// Alphabet is the symbol set. Empty means Alphanumeric.
	Alphabet string
}

// New returns a Generator producing alphanumeric tokens of the given length.
func New(length int) Generator {
	return Generator{Length: length, Alphabet: Alphanumeric}
}

// Next returns a fresh token.
func (g Generator) Next() string {
	n := g.Length
	if n <= 0 {
		n = DefaultLength
	}
	alphabet := g.Alphabet
	if alphabet == "" {
		alphabet = Alphanumeric
	}

	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		b.WriteByte(alphabet[rand.IntN(len(alphabet))])
	}
	return b.String()
}

// Generate returns a DefaultLength alphanumeric token.
func Generate() string {
	return Generator{}.Next()
}

// GenerateN returns an alphanumeric token of length n.
// n <= 0 falls back to DefaultLength.
func GenerateN(n int) string {
	return New(n).Next()
}
