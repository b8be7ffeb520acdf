package testsupport

import (
	"context"
	"testing"

	"linkpool/internal/config"
	"linkpool/internal/store"
)

// MustOpenStore opens a store.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// AddLink inserts a raw link and returns its identifier.
func AddLink(t testing.TB, st *store.Store, url string) int64 {
	t.Helper()

	ctx := context.Background()
	if _, err := st.AddLinks(ctx, []store.NewLink{{URL: url}}); err != nil {
		t.Fatalf("store.AddLinks: %v", err)
	}
	link, err := st.FindLinkByURL(ctx, url)
	if err != nil {
		t.Fatalf("store.FindLinkByURL: %v", err)
	}
	return link.ID
}

// AddConvertedLink inserts a link carrying configJSON and returns its identifier.
func AddConvertedLink(t testing.TB, st *store.Store, url, configJSON string) int64 {
	t.Helper()

	id := AddLink(t, st, url)
	if err := st.StoreConversion(context.Background(), id, configJSON, ""); err != nil {
		t.Fatalf("store.StoreConversion: %v", err)
	}
	return id
}

// MustGetLink fetches a link or fails the test.
func MustGetLink(t testing.TB, st *store.Store, id int64) *store.Link {
	t.Helper()

	link, err := st.GetLink(context.Background(), id)
	if err != nil {
		t.Fatalf("store.GetLink(%d): %v", id, err)
	}
	return link
}
