package convert_test

import (
	"context"
	"strings"
	"testing"

	"linkpool/internal/convert"
	"linkpool/internal/logging"
	"linkpool/internal/store"
	"linkpool/internal/testsupport"
)

func TestImport(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Convert.BatchSize = 2
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	input := strings.Join([]string{
		"vless://a@h:1",
		"",
		"  trojan://b@h:2  ",
		"just some text",
		"vless://a@h:1",
		"ss://c@h:3 vmess://ZGF0YQ==",
		"hysteria2://d@h:4",
	}, "\n")

	stats, err := convert.NewImporter(cfg, st, logging.NewNop()).Import(ctx, strings.NewReader(input))
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if stats.Lines != 6 || stats.Added != 3 || stats.Known != 1 || stats.Skipped != 1 || stats.Split != 1 || stats.Parts != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	link, err := st.FindLinkByURL(ctx, "trojan://b@h:2")
	if err != nil {
		t.Fatalf("expected trimmed link to be stored: %v", err)
	}
	if link.Protocol != "trojan" {
		t.Fatalf("expected detected protocol, got %q", link.Protocol)
	}

	parent, err := st.FindLinkByURL(ctx, "ss://c@h:3 vmess://ZGF0YQ==")
	if err != nil {
		t.Fatalf("expected parent row: %v", err)
	}
	if !parent.NeedsReplace {
		t.Fatalf("expected parent to be retired, got %+v", parent)
	}
	child, err := st.FindLinkByURL(ctx, "vmess://ZGF0YQ==")
	if err != nil {
		t.Fatalf("expected split child: %v", err)
	}
	if child.ParentID != parent.ID {
		t.Fatalf("expected child parent %d, got %d", parent.ID, child.ParentID)
	}

	// Unsupported schemes are still stored; the conversion job flags them.
	if _, err := st.FindLinkByURL(ctx, "hysteria2://d@h:4"); err != nil {
		t.Fatalf("expected hysteria2 link to be stored: %v", err)
	}

	links, err := st.ListLinks(ctx, store.LinkFilter{})
	if err != nil {
		t.Fatalf("ListLinks failed: %v", err)
	}
	if len(links) != 6 {
		t.Fatalf("expected 6 rows, got %d", len(links))
	}

	again, err := convert.NewImporter(cfg, st, logging.NewNop()).Import(ctx, strings.NewReader(input))
	if err != nil {
		t.Fatalf("second Import failed: %v", err)
	}
	if again.Added != 0 || again.Parts != 0 {
		t.Fatalf("expected re-import to add nothing, got %+v", again)
	}
}
