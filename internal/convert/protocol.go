package convert

import (
	"regexp"
	"strings"
)

var (
	schemePattern = regexp.MustCompile(`^([a-zA-Z0-9+.\-]+)://`)
	// linkStart finds where each link begins inside a line that holds several.
	// It covers more schemes than the converter supports so unsupported
	// children are split out too.
	linkStart = regexp.MustCompile(`(?i)(vmess|vless|trojan|ssr|ss|shadowsocks2022|shadowsocks|hysteria2|hysteria|hy2|tuic)://`)
)

// DetectProtocol returns the lowercase scheme of link, or "" when it has none.
func DetectProtocol(link string) string {
	m := schemePattern.FindStringSubmatch(strings.TrimSpace(link))
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}

// SplitLinks breaks a line holding several concatenated links into its
// parts. A line with zero or one recognized scheme is returned unchanged.
func SplitLinks(line string) []string {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	starts := linkStart.FindAllStringIndex(line, -1)
	if len(starts) <= 1 {
		return []string{line}
	}
	parts := make([]string, 0, len(starts))
	for i, loc := range starts {
		end := len(line)
		if i+1 < len(starts) {
			end = starts[i+1][0]
		}
		if part := strings.TrimSpace(line[loc[0]:end]); part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

// ProtocolSet is the set of schemes the converter accepts.
type ProtocolSet map[string]struct{}

// NewProtocolSet builds a set from scheme names.
func NewProtocolSet(protocols []string) ProtocolSet {
	set := make(ProtocolSet, len(protocols))
	for _, p := range protocols {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			set[p] = struct{}{}
		}
	}
	return set
}

// Unsupported reports whether link names a scheme outside the set. Links
// without a scheme are left to the converter.
func (s ProtocolSet) Unsupported(link string) bool {
	proto := DetectProtocol(link)
	if proto == "" {
		return false
	}
	_, ok := s[proto]
	return !ok
}
