package evoauth

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testBundle(t *testing.T) Bundle {
	t.Helper()

	// parse through the persisted layout so round-trips compare exactly
	expire, err := time.Parse(TimestampLayout, "2026-01-10T13:00:00+03:00")
	if err != nil {
		t.Fatalf("parsing expiry: %v", err)
	}
	refreshExpire, err := time.Parse(TimestampLayout, "2026-02-10T13:00:00+03:00")
	if err != nil {
		t.Fatalf("parsing refresh expiry: %v", err)
	}

	return Bundle{
		AccessToken:   "access-token-1",
		AccessExpiry:  expire,
		RefreshToken:  "refresh-token-1",
		RefreshExpiry: refreshExpire,
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	file := filepath.Join(t.TempDir(), "tokens.json")
	store := NewFileStore(file)

	want := testBundle(t)
	if err := store.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got.AccessToken != want.AccessToken {
		t.Errorf("AccessToken = %q, want %q", got.AccessToken, want.AccessToken)
	}
	if got.RefreshToken != want.RefreshToken {
		t.Errorf("RefreshToken = %q, want %q", got.RefreshToken, want.RefreshToken)
	}
	if !got.AccessExpiry.Equal(want.AccessExpiry) {
		t.Errorf("AccessExpiry = %s, want %s", got.AccessExpiry, want.AccessExpiry)
	}
	if !got.RefreshExpiry.Equal(want.RefreshExpiry) {
		t.Errorf("RefreshExpiry = %s, want %s", got.RefreshExpiry, want.RefreshExpiry)
	}
}

func TestFileStoreClearedBundleWritesNulls(t *testing.T) {
	file := filepath.Join(t.TempDir(), "tokens.json")
	store := NewFileStore(file)

	if err := store.Save(Bundle{}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	raw, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("reading token file: %v", err)
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("token file is not JSON: %v", err)
	}
	for _, key := range []string{"token", "tokenexpire", "refreshtoken", "refreshexpire"} {
		if string(fields[key]) != "null" {
			t.Errorf("%s = %s, want null", key, fields[key])
		}
	}
}

func TestParseTimestampOffsetForms(t *testing.T) {
	colonized, err := ParseTimestamp("2026-01-10T13:00:00+03:00")
	if err != nil {
		t.Fatalf("colonized offset: %v", err)
	}
	compact, err := ParseTimestamp("2026-01-10T13:00:00+0300")
	if err != nil {
		t.Fatalf("compact offset: %v", err)
	}
	if !colonized.Equal(compact) {
		t.Errorf("offset forms disagree: %s vs %s", colonized, compact)
	}

	if _, err := ParseTimestamp("tomorrow-ish"); err == nil {
		t.Error("expected an error for a non-timestamp")
	}
}

func TestFileStoreLoadsCompactOffsets(t *testing.T) {
	file := filepath.Join(t.TempDir(), "tokens.json")
	raw := `{"token": "a", "tokenexpire": "2026-01-10T13:00:00+0300", "refreshtoken": "r", "refreshexpire": "2026-02-10T13:00:00+0300"}`
	if err := os.WriteFile(file, []byte(raw), 0600); err != nil {
		t.Fatalf("writing token file: %v", err)
	}

	b, err := NewFileStore(file).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want, _ := time.Parse(TimestampLayout, "2026-01-10T13:00:00+03:00")
	if !b.AccessExpiry.Equal(want) {
		t.Errorf("AccessExpiry = %s, want %s", b.AccessExpiry, want)
	}
}

func TestFileStoreMissingFile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "nope.json"))
	if _, err := store.Load(); err == nil {
		t.Error("expected an error for a missing token file")
	}
}

func TestBundleStringHidesTokens(t *testing.T) {
	b := testBundle(t)
	s := b.String()
	if s == "" {
		t.Fatal("empty String()")
	}
	for _, secret := range []string{b.AccessToken, b.RefreshToken} {
		if strings.Contains(s, secret) {
			t.Errorf("String() leaks token %q: %s", secret, s)
		}
	}
}
