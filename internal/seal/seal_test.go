package seal

import (
	"errors"
	"strings"
	"testing"
)

func newBox(t *testing.T) *Box {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	box, err := New(key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return box
}

func TestSealOpen(t *testing.T) {
	box := newBox(t)
	sealed, err := box.Seal("010-1234-5678")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if strings.Contains(sealed, "1234") {
		t.Fatalf("plaintext leaked into %q", sealed)
	}
	again, _ := box.Seal("010-1234-5678")
	if again == sealed {
		t.Fatal("expected distinct nonces")
	}
	plain, err := box.Open(sealed)
	if err != nil || plain != "010-1234-5678" {
		t.Fatalf("Open = %q, %v", plain, err)
	}
}

func TestOpenRejectsTamperingAndForeignKeys(t *testing.T) {
	box := newBox(t)
	sealed, _ := box.Seal("hello")

	if _, err := newBox(t).Open(sealed); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("foreign key err = %v", err)
	}
	if _, err := box.Open("hello"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("missing prefix err = %v", err)
	}
	if _, err := box.Open(prefix + "AAAA"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("short ciphertext err = %v", err)
	}
}

func TestNewRejectsBadKeys(t *testing.T) {
	for _, k := range []string{"", "zz", strings.Repeat("a", 62)} {
		if _, err := New(k); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("New(%q) err = %v", k, err)
		}
	}
}
