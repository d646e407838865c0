package dedup

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// IdentityPrefixLen is how many characters of content feed the identity hash.
const IdentityPrefixLen = 100

// Identity derives a fragment id from its content prefix, rounded DOM
// position and platform. The 32-bit hash accepts collisions in exchange for
// speed; ids are only meaningful within one page load.
func Identity(content string, position int, platform string) string {
	prefix := truncateRunes(strings.TrimSpace(content), IdentityPrefixLen)
	key := fmt.Sprintf("%s|%d|%s", prefix, position, platform)
	return fmt.Sprintf("f%08x", rollingHash(key))
}

// rollingHash is the classic h = h*31 + c string hash over 32 bits.
func rollingHash(s string) uint32 {
	var h uint32
	for _, r := range s {
		h = h*31 + uint32(r)
	}
	return h
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
