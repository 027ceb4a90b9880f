package slip

import (
	"bytes"
	"io"
	"math/rand"
	"testing"
)

func TestEncode_EmptyData(t *testing.T) {
	result := Encode(nil)
	expected := []byte{End, End}
	if !bytes.Equal(result, expected) {
		t.Errorf("Encode(nil) = %v, want %v", result, expected)
	}
}

func TestEncode_EscapeEndByte(t *testing.T) {
	input := []byte{0x01, End, 0x03}
	result := Encode(input)
	expected := []byte{End, 0x01, Esc, EscEnd, 0x03, End}
	if !bytes.Equal(result, expected) {
		t.Errorf("Encode(%v) = %v, want %v", input, result, expected)
	}
}

func TestEncode_EscapeEscByte(t *testing.T) {
	input := []byte{0x01, Esc, 0x03}
	result := Encode(input)
	expected := []byte{End, 0x01, Esc, EscEsc, 0x03, End}
	if !bytes.Equal(result, expected) {
		t.Errorf("Encode(%v) = %v, want %v", input, result, expected)
	}
}

// Property 1 from the spec: for every byte sequence, decode(encode(b)) == b,
// and encode(b) contains no unescaped End byte except the two framing bytes.
func TestEncodeDecode_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	cases := [][]byte{
		{},
		{0x00},
		{End},
		{Esc},
		{End, Esc},
		{0x00, End, 0x00, Esc, 0x00},
		{0xFF, 0xFE, 0xFD},
	}
	for i := 0; i < 20; i++ {
		buf := make([]byte, rng.Intn(300))
		rng.Read(buf)
		cases = append(cases, buf)
	}

	for i, tc := range cases {
		encoded := Encode(tc)
		if encoded[0] != End || encoded[len(encoded)-1] != End {
			t.Fatalf("case %d: Encode didn't frame with End bytes: %v", i, encoded)
		}
		for _, b := range encoded[1 : len(encoded)-1] {
			if b == End {
				t.Fatalf("case %d: unescaped End byte in interior of frame: %v", i, encoded)
			}
		}
		decoded, err := Decode(encoded[1 : len(encoded)-1])
		if err != nil {
			t.Fatalf("case %d: Decode error: %v", i, err)
		}
		if !bytes.Equal(decoded, tc) {
			t.Errorf("case %d: RoundTrip(%v) = %v, want %v", i, tc, decoded, tc)
		}
	}
}

func TestDecode_UnescapeEndByte(t *testing.T) {
	framed := []byte{0x01, Esc, EscEnd, 0x03}
	result, err := Decode(framed)
	if err != nil {
		t.Fatal(err)
	}
	expected := []byte{0x01, End, 0x03}
	if !bytes.Equal(result, expected) {
		t.Errorf("Decode(%v) = %v, want %v", framed, result, expected)
	}
}

func TestDecode_BadEscape(t *testing.T) {
	if _, err := Decode([]byte{0x01, Esc, 0xFF}); err != ErrBadEscape {
		t.Errorf("Decode with unknown escape = %v, want ErrBadEscape", err)
	}
	if _, err := Decode([]byte{0x01, Esc}); err != ErrBadEscape {
		t.Errorf("Decode with truncated escape = %v, want ErrBadEscape", err)
	}
}

func TestReader_ReadFrame(t *testing.T) {
	var stream []byte
	stream = append(stream, Encode([]byte{0x01, 0x02, 0x03})...)
	stream = append(stream, Encode([]byte{0x04, End, 0x05})...)

	r := NewReader(bytes.NewReader(stream))

	f1, err := r.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(f1, []byte{0x01, 0x02, 0x03}) {
		t.Errorf("first frame = %v", f1)
	}

	f2, err := r.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(f2, []byte{0x04, End, 0x05}) {
		t.Errorf("second frame = %v", f2)
	}

	if _, err := r.ReadFrame(); err != io.EOF {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestReader_SkipsLeadingGarbageEnds(t *testing.T) {
	stream := append([]byte{End, End, End}, Encode([]byte{0xAA})[1:]...)
	r := NewReader(bytes.NewReader(stream))
	f, err := r.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(f, []byte{0xAA}) {
		t.Errorf("frame = %v, want [0xAA]", f)
	}
}

func TestReader_BadEscapePropagates(t *testing.T) {
	stream := []byte{End, 0x01, Esc, 0xFF, End}
	r := NewReader(bytes.NewReader(stream))
	if _, err := r.ReadFrame(); err != ErrBadEscape {
		t.Errorf("ReadFrame() error = %v, want ErrBadEscape", err)
	}
}
