package service

import (
	"strings"
	"testing"
)

func TestHasherBareSHA256(t *testing.T) {
	h := NewHasher("")
	stored := h.Hash("  FLAG{x}\n")
	if len(stored) != 64 || strings.Contains(stored, ":") {
		t.Fatalf("expected bare hex digest, got %q", stored)
	}
	if stored != sha256Hex("FLAG{x}") {
		t.Fatalf("hash must trim before digesting")
	}

	submitted, ok := h.Match("FLAG{x}", stored)
	if !ok || submitted != stored {
		t.Fatalf("expected match, got %q %v", submitted, ok)
	}
	if _, ok := h.Match("FLAG{y}", stored); ok {
		t.Fatalf("expected mismatch")
	}
	if _, ok := h.Match("FLAG{x}", strings.ToUpper(stored)); !ok {
		t.Fatalf("stored hex should compare case-insensitively")
	}
}

func TestHasherPeppered(t *testing.T) {
	h := NewHasher("pepper")
	stored := h.Hash("FLAG{x}")
	if !strings.HasPrefix(stored, hmacScheme) {
		t.Fatalf("expected hmac scheme prefix, got %q", stored)
	}
	if _, ok := h.Match("FLAG{x}", stored); !ok {
		t.Fatalf("expected peppered match")
	}
	if _, ok := NewHasher("other").Match("FLAG{x}", stored); ok {
		t.Fatalf("different pepper must not match")
	}
	if _, ok := NewHasher("").Match("FLAG{x}", stored); ok {
		t.Fatalf("missing pepper must not match")
	}

	// Bare digests stay valid after a pepper is configured.
	legacy := NewHasher("").Hash("FLAG{x}")
	if _, ok := h.Match("FLAG{x}", legacy); !ok {
		t.Fatalf("expected bare digest to match with peppered hasher")
	}
}
