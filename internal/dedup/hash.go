package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// NormalizeWhitespace collapses every whitespace run into one space and trims
// the ends. Case is preserved.
func NormalizeWhitespace(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	lastSpace := true
	for _, r := range input {
		if unicode.IsSpace(r) {
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}
	return strings.TrimRight(b.String(), " ")
}

// NormalizeKey lowercases and collapses whitespace, and strips trailing
// sentence punctuation so "Foo." and "foo" collide.
func NormalizeKey(input string) string {
	normalized := strings.ToLower(NormalizeWhitespace(input))
	return strings.TrimRightFunc(normalized, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == ';' || r == ':' || r == ','
	})
}

// ContentHash is the hex sha256 of the whitespace-normalized text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(NormalizeWhitespace(text)))
	return hex.EncodeToString(sum[:])
}

// HighlightKey identifies a highlight by its normalized summary and quote.
func HighlightKey(summary, quote string) string {
	sum := sha256.Sum256([]byte(NormalizeKey(summary) + "|" + NormalizeKey(quote)))
	return hex.EncodeToString(sum[:])
}

// Chunk splits items into consecutive batches of at most size elements.
func Chunk[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if size <= 0 {
		size = len(items)
	}
	batches := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		batches = append(batches, items[start:end])
	}
	return batches
}
