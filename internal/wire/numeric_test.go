package wire

import "testing"

func TestNumericBinaryRoundTrip(t *testing.T) {
	cases := []string{
		"0",
		"1",
		"-1",
		"123.45",
		"-123.45",
		"0.0001",
		"100000",
		"9999.9999",
		"1234567890123456789012345678",
	}
	for _, s := range cases {
		n, err := DecodeNumericText(s)
		if err != nil {
			t.Fatalf("DecodeNumericText(%q): %v", s, err)
		}
		bin := EncodeNumericBinary(n)
		got, err := DecodeNumericBinary(bin)
		if err != nil {
			t.Fatalf("DecodeNumericBinary round-trip for %q: %v", s, err)
		}
		if got.String() != n.String() {
			t.Fatalf("round-trip mismatch for %q: got %q", s, got.String())
		}
	}
}

func TestNumericNaN(t *testing.T) {
	bin := EncodeNumericBinary(NaNNumeric)
	got, err := DecodeNumericBinary(bin)
	if err != nil {
		t.Fatalf("decode NaN: %v", err)
	}
	if !got.NaN {
		t.Fatalf("expected NaN, got %q", got.String())
	}
}

func TestNumericBinaryZero(t *testing.T) {
	n, _ := DecodeNumericText("0")
	bin := EncodeNumericBinary(n)
	if len(bin) != 8 {
		t.Fatalf("expected 8-byte zero encoding, got %d bytes", len(bin))
	}
	for _, b := range bin {
		if b != 0 {
			t.Fatalf("expected all-zero encoding, got %v", bin)
		}
	}
}

func TestMessageRoundTrip(t *testing.T) {
	r, w := newPipe()
	go func() {
		WriteMessage(w, Query, []byte("select 1\x00"))
	}()
	msg, err := ReadMessage(r, FromClient)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Type != Query {
		t.Fatalf("expected Query, got %q", msg.Type)
	}
	if string(msg.Payload) != "select 1\x00" {
		t.Fatalf("unexpected payload: %q", msg.Payload)
	}
}
