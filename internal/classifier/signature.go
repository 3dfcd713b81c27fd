package classifier

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"

	"github.com/miradorstack/mirador-logrca/internal/models"
)

var (
	timestampRe  = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[t ]\d{2}:\d{2}:\d{2}(?:[.,]\d+)?(?:z|[+-]\d{2}:?\d{2})?`)
	clockRe      = regexp.MustCompile(`\b\d{2}:\d{2}:\d{2}(?:[.,]\d+)?\b`)
	uuidRe       = regexp.MustCompile(`\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	ipRe         = regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}(?::\d+)?\b`)
	hexPrefixRe  = regexp.MustCompile(`\b0x[0-9a-f]+\b`)
	hexRunRe     = regexp.MustCompile(`\b[0-9a-f]{8,}\b`)
	numberRe     = regexp.MustCompile(`\d+(?:\.\d+)?`)
	whitespaceRe = regexp.MustCompile(`\s+`)

	errorCodeRe = regexp.MustCompile(`\b(?:E\d+|ERR-\d+|HTTP \d{3})\b`)
	urlRe       = regexp.MustCompile(`https?://[^\s"'<>]+`)
)

// Signature folds near-duplicate messages by replacing timestamps, identifiers and numeric
// tokens with placeholders.
func Signature(message string) string {
	s := strings.ToLower(message)
	s = timestampRe.ReplaceAllString(s, "<ts>")
	s = clockRe.ReplaceAllString(s, "<ts>")
	s = uuidRe.ReplaceAllString(s, "<uuid>")
	s = ipRe.ReplaceAllString(s, "<ip>")
	s = hexPrefixRe.ReplaceAllString(s, "<hex>")
	s = hexRunRe.ReplaceAllStringFunc(s, func(tok string) string {
		if strings.ContainsAny(tok, "0123456789") {
			return "<hex>"
		}
		return tok
	})
	s = numberRe.ReplaceAllString(s, "<num>")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// GroupKey derives the deterministic group identifier.
func GroupKey(category models.Category, signature, service string) string {
	sum := sha256.Sum256([]byte(string(category) + "\x00" + signature + "\x00" + service))
	return hex.EncodeToString(sum[:8])
}

// KeyInfo holds identifiers extracted from a message.
type KeyInfo struct {
	ErrorCodes []string
	IPs        []string
	URLs       []string
}

// ExtractKeyInfo pulls error codes, IP addresses and URLs out of a raw message.
func ExtractKeyInfo(message string) KeyInfo {
	return KeyInfo{
		ErrorCodes: uniqueSorted(errorCodeRe.FindAllString(message, -1)),
		IPs:        uniqueSorted(ipRe.FindAllString(message, -1)),
		URLs:       uniqueSorted(urlRe.FindAllString(message, -1)),
	}
}

func uniqueSorted(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
