package convert

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// maxTrimAttempts bounds how many trailing bytes a vmess repair drops while
// looking for a parseable document.
const maxTrimAttempts = 200

// Repair rewrites a link that failed conversion into a cleaner form. The
// fragment is always dropped; vmess payloads are re-encoded from their
// recoverable JSON and ss userinfo is re-padded. It reports false when no
// repair applies.
func Repair(link string) (string, bool) {
	clean := strings.TrimSpace(StripFragment(link))
	switch DetectProtocol(clean) {
	case "vmess":
		return repairVMess(clean)
	case "ss":
		return repairShadowsocks(clean)
	case "":
		return "", false
	default:
		return clean, true
	}
}

// StripFragment removes everything from the first '#'.
func StripFragment(link string) string {
	if i := strings.IndexByte(link, '#'); i >= 0 {
		return link[:i]
	}
	return link
}

func stripControls(s string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if r < ' ' || r == 0x7f {
			return -1
		}
		return r
	}, s))
}

// decodeLoose decodes standard or URL-safe base64 with or without padding.
func decodeLoose(s string) ([]byte, bool) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	if s == "" {
		return nil, false
	}
	for _, enc := range []*base64.Encoding{base64.RawStdEncoding, base64.RawURLEncoding} {
		if out, err := enc.DecodeString(s); err == nil && len(out) > 0 {
			return out, true
		}
	}
	return nil, false
}

func text(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "")
}

func repairVMess(link string) (string, bool) {
	payload := stripControls(link[len("vmess://"):])
	raw, ok := decodeLoose(payload)
	if !ok {
		return "", false
	}
	doc := stripControls(text(raw))

	var obj map[string]any
	if json.Unmarshal([]byte(doc), &obj) != nil {
		last := strings.LastIndexByte(doc, '}')
		if last < 0 {
			return "", false
		}
		doc = doc[:last+1]
		found := false
		for trim := 0; trim < maxTrimAttempts && trim < len(doc); trim++ {
			if json.Unmarshal([]byte(doc[:len(doc)-trim]), &obj) == nil {
				found = true
				break
			}
		}
		if !found {
			return "", false
		}
	}

	canonical, err := json.Marshal(obj)
	if err != nil {
		return "", false
	}
	return "vmess://" + base64.StdEncoding.EncodeToString(canonical), true
}

func repairShadowsocks(link string) (string, bool) {
	body := stripControls(link[len("ss://"):])
	if userinfo, host, ok := strings.Cut(body, "@"); ok {
		userinfo = strings.TrimSpace(userinfo)
		if userinfo == "" {
			return "", false
		}
		if raw, ok := decodeLoose(userinfo); ok {
			userinfo = base64.StdEncoding.EncodeToString([]byte(stripControls(text(raw))))
		}
		return "ss://" + userinfo + "@" + strings.TrimSpace(host), true
	}

	raw, ok := decodeLoose(body)
	if !ok {
		return "", false
	}
	decoded := stripControls(text(raw))
	if !strings.Contains(decoded, "@") {
		return "", false
	}
	return "ss://" + base64.StdEncoding.EncodeToString([]byte(decoded)), true
}
