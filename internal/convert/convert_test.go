package convert_test

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"linkpool/internal/convert"
)

func TestDetectProtocol(t *testing.T) {
	cases := map[string]string{
		"vless://uuid@host:443":     "vless",
		"  VMess://abc":             "vmess",
		"shadowsocks2022://x@h:1":   "shadowsocks2022",
		"hy2://pass@host:443":       "hy2",
		"no scheme here":            "",
		"://missing":                "",
	}
	for input, want := range cases {
		if got := convert.DetectProtocol(input); got != want {
			t.Fatalf("DetectProtocol(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestSplitLinks(t *testing.T) {
	line := "vless://a@h1:443 trojan://b@h2:443#name  ss://c@h3:8388"
	parts := convert.SplitLinks(line)
	want := []string{"vless://a@h1:443", "trojan://b@h2:443#name", "ss://c@h3:8388"}
	if len(parts) != len(want) {
		t.Fatalf("expected %d parts, got %v", len(want), parts)
	}
	for i := range want {
		if parts[i] != want[i] {
			t.Fatalf("part %d = %q, want %q", i, parts[i], want[i])
		}
	}

	single := convert.SplitLinks("  vmess://abc  ")
	if len(single) != 1 || single[0] != "vmess://abc" {
		t.Fatalf("expected single trimmed link, got %v", single)
	}
	if got := convert.SplitLinks("   "); got != nil {
		t.Fatalf("expected nil for blank line, got %v", got)
	}
}

func TestProtocolSet(t *testing.T) {
	set := convert.NewProtocolSet([]string{" VLESS ", "trojan", ""})
	if set.Unsupported("vless://a@h:1") || set.Unsupported("trojan://a@h:1") {
		t.Fatal("expected configured protocols to be supported")
	}
	if !set.Unsupported("hysteria2://a@h:1") {
		t.Fatal("expected hysteria2 to be unsupported")
	}
	if set.Unsupported("garbage") {
		t.Fatal("expected scheme-less text to be left to the converter")
	}
}

func TestOutboundTag(t *testing.T) {
	if got := convert.OutboundTag(1); got != "x_1" {
		t.Fatalf("OutboundTag(1) = %q", got)
	}
	if got := convert.OutboundTag(36); got != "x_10" {
		t.Fatalf("OutboundTag(36) = %q", got)
	}
	if got := convert.OutboundTag(1295); got != "x_zz" {
		t.Fatalf("OutboundTag(1295) = %q", got)
	}
}

func TestInjectTag(t *testing.T) {
	got, err := convert.InjectTag([]byte(`{"server":"h","port":443,"tag":"old","weight":1.50}`), "x_a")
	if err != nil {
		t.Fatalf("InjectTag failed: %v", err)
	}
	want := `{"port":443,"server":"h","tag":"x_a","weight":1.50}`
	if got != want {
		t.Fatalf("InjectTag = %s, want %s", got, want)
	}

	got, err = convert.InjectTag([]byte(`[{"server":"h&co"}]`), "x_b")
	if err != nil {
		t.Fatalf("InjectTag on array failed: %v", err)
	}
	if got != `{"server":"h&co","tag":"x_b"}` {
		t.Fatalf("unexpected array result %s", got)
	}

	for _, raw := range []string{`[{"a":1},{"b":2}]`, `[]`, `"text"`, `[1]`} {
		if _, err := convert.InjectTag([]byte(raw), "x"); !errors.Is(err, convert.ErrUntaggable) {
			t.Fatalf("InjectTag(%s) expected ErrUntaggable, got %v", raw, err)
		}
	}
	if _, err := convert.InjectTag([]byte(`{broken`), "x"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestRepairStripsFragment(t *testing.T) {
	got, ok := convert.Repair("vless://uuid@host:443?security=tls#My Node")
	if !ok || got != "vless://uuid@host:443?security=tls" {
		t.Fatalf("Repair = %q, %v", got, ok)
	}
	got, ok = convert.Repair("trojan://pw@host:443#x")
	if !ok || got != "trojan://pw@host:443" {
		t.Fatalf("Repair = %q, %v", got, ok)
	}
	if _, ok := convert.Repair("not a link"); ok {
		t.Fatal("expected no repair for text without scheme")
	}
}

func decodeVMess(t *testing.T, link string) map[string]any {
	t.Helper()
	if !strings.HasPrefix(link, "vmess://") {
		t.Fatalf("expected vmess link, got %q", link)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(link, "vmess://"))
	if err != nil {
		t.Fatalf("decode repaired payload: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("repaired payload is not JSON: %v (%s)", err, raw)
	}
	return doc
}

func TestRepairVMessTrailingGarbage(t *testing.T) {
	payload := "{\"add\":\"h\",\"port\":\"443\",\"id\":\"u\"}\x01\x02 trailing junk"
	link := "vmess://" + base64.RawStdEncoding.EncodeToString([]byte(payload)) + "#remark"

	got, ok := convert.Repair(link)
	if !ok {
		t.Fatal("expected vmess repair")
	}
	doc := decodeVMess(t, got)
	if doc["add"] != "h" || doc["id"] != "u" {
		t.Fatalf("unexpected repaired document %v", doc)
	}
}

func TestRepairVMessTrimsTail(t *testing.T) {
	payload := `{"add":"h","ps":{"x":1}}}}`
	got, ok := convert.Repair("vmess://" + base64.StdEncoding.EncodeToString([]byte(payload)))
	if !ok {
		t.Fatal("expected vmess repair")
	}
	if doc := decodeVMess(t, got); doc["add"] != "h" {
		t.Fatalf("unexpected repaired document %v", doc)
	}
}

func TestRepairVMessUnrecoverable(t *testing.T) {
	if _, ok := convert.Repair("vmess://" + base64.StdEncoding.EncodeToString([]byte("no json"))); ok {
		t.Fatal("expected no repair without a JSON document")
	}
	if _, ok := convert.Repair("vmess://%%%"); ok {
		t.Fatal("expected no repair for non-base64 payload")
	}
}

func TestRepairShadowsocks(t *testing.T) {
	userinfo := base64.RawURLEncoding.EncodeToString([]byte("aes-256-gcm:secret"))
	got, ok := convert.Repair("ss://" + userinfo + "@1.2.3.4:8388#tag")
	want := "ss://" + base64.StdEncoding.EncodeToString([]byte("aes-256-gcm:secret")) + "@1.2.3.4:8388"
	if !ok || got != want {
		t.Fatalf("Repair = %q, %v; want %q", got, ok, want)
	}

	whole := base64.RawStdEncoding.EncodeToString([]byte("aes-128-gcm:pw@5.6.7.8:443"))
	got, ok = convert.Repair("ss://" + whole)
	want = "ss://" + base64.StdEncoding.EncodeToString([]byte("aes-128-gcm:pw@5.6.7.8:443"))
	if !ok || got != want {
		t.Fatalf("Repair = %q, %v; want %q", got, ok, want)
	}

	noHost := base64.StdEncoding.EncodeToString([]byte("aes-128-gcm:pw"))
	if _, ok := convert.Repair("ss://" + noHost); ok {
		t.Fatal("expected no repair when decoded body has no host")
	}
}
