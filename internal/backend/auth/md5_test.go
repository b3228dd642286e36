package auth

import "testing"

func TestMD5Password(t *testing.T) {
	got := MD5Password("user", "password", []byte{1, 2, 3, 4})
	if len(got) != 35 || got[:3] != "md5" {
		t.Fatalf("unexpected MD5Password format: %q", got)
	}
	// deterministic for the same inputs
	again := MD5Password("user", "password", []byte{1, 2, 3, 4})
	if got != again {
		t.Fatalf("MD5Password not deterministic: %q vs %q", got, again)
	}
	// changes with salt
	other := MD5Password("user", "password", []byte{5, 6, 7, 8})
	if got == other {
		t.Fatalf("expected different hash for different salt")
	}
}
