package apperr

import (
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

var (
	// JWK private members and key=value style secrets.
	secretFieldPattern  = regexp.MustCompile(`(?i)("(?:d|p|q|dp|dq|qi|private_?key|seed|mnemonic)"\s*:\s*")[^"]+(")`)
	secretAssignPattern = regexp.MustCompile(`(?i)\b(private_?key|seed_?phrase|mnemonic|secret)(\s*[=:]\s*)\S+`)
	// Long opaque key-like tokens (hex or base64/base64url).
	longHexPattern    = regexp.MustCompile(`(?:0x)?[0-9a-fA-F]{64,}`)
	longBase64Pattern = regexp.MustCompile(`[A-Za-z0-9+/_-]{86,}={0,2}`)
	// A quoted or line-delimited run of 12..24 short lowercase words.
	mnemonicPattern = regexp.MustCompile(`(?m)(^|["'` + "`" + `:]\s*)((?:[a-z]{3,8} ){11,23}[a-z]{3,8})(\s*["'` + "`" + `]|\s*$)`)
)

// digest-prefixed hashes are public identifiers, not secrets.
var publicPrefixes = []string{"sha256:", "sha512:"}

// Redact replaces substrings that resemble secret material (seed phrases,
// private keys) with a placeholder.
func Redact(s string) string {
	if s == "" {
		return s
	}
	out := secretFieldPattern.ReplaceAllString(s, "${1}"+redacted+"${2}")
	out = secretAssignPattern.ReplaceAllString(out, "${1}${2}"+redacted)
	out = replaceOpaque(out, longHexPattern)
	out = replaceOpaque(out, longBase64Pattern)
	out = mnemonicPattern.ReplaceAllStringFunc(out, func(m string) string {
		sub := mnemonicPattern.FindStringSubmatch(m)
		words := strings.Fields(sub[2])
		if len(words)%3 != 0 {
			return m
		}
		return sub[1] + redacted + sub[3]
	})
	return out
}

func replaceOpaque(s string, re *regexp.Regexp) string {
	idx := re.FindAllStringIndex(s, -1)
	if len(idx) == 0 {
		return s
	}
	var b strings.Builder
	last := 0
	for _, loc := range idx {
		b.WriteString(s[last:loc[0]])
		if hasPublicPrefix(s[:loc[0]]) {
			b.WriteString(s[loc[0]:loc[1]])
		} else {
			b.WriteString(redacted)
		}
		last = loc[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

func hasPublicPrefix(before string) bool {
	for _, p := range publicPrefixes {
		if strings.HasSuffix(before, p) {
			return true
		}
	}
	return false
}
