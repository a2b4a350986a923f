package dedup

import (
	"hash/fnv"
	"math/bits"
	"strings"
	"unicode"
)

// DefaultClusterDistance is the largest title simhash distance treated as the
// same story cluster.
const DefaultClusterDistance = 3

// Simhash64 fingerprints text by token. ok is false for text without tokens.
func Simhash64(text string) (uint64, bool) {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return 0, false
	}

	var bitWeights [64]int
	for _, token := range tokens {
		h := hashToken64(token)
		for bit := 0; bit < 64; bit++ {
			if h&(uint64(1)<<bit) != 0 {
				bitWeights[bit]++
			} else {
				bitWeights[bit]--
			}
		}
	}

	var result uint64
	for bit := 0; bit < 64; bit++ {
		if bitWeights[bit] > 0 {
			result |= uint64(1) << bit
		}
	}
	return result, true
}

func HammingDistance(left, right uint64) int {
	return bits.OnesCount64(left ^ right)
}

func tokenize(text string) []string {
	normalized := strings.ToLower(NormalizeWhitespace(text))
	if normalized == "" {
		return nil
	}
	return strings.FieldsFunc(normalized, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func hashToken64(token string) uint64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(token))
	return hasher.Sum64()
}
