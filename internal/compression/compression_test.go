package compression

import (
	"bytes"
	"testing"
)

func TestParseType(t *testing.T) {
	tests := []struct {
		in      string
		want    Type
		wantErr bool
	}{
		{"", TypeNone, false},
		{"none", TypeNone, false},
		{"gzip", TypeGzip, false},
		{"GZIP", TypeGzip, false},
		{" zstd ", TypeZstd, false},
		{"lz4", TypeNone, true},
	}
	for _, tt := range tests {
		got, err := ParseType(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseType(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestContentEncoding(t *testing.T) {
	if got := TypeGzip.ContentEncoding(); got != "gzip" {
		t.Errorf("gzip encoding = %q", got)
	}
	if got := TypeZstd.ContentEncoding(); got != "zstd" {
		t.Errorf("zstd encoding = %q", got)
	}
	if got := TypeNone.ContentEncoding(); got != "" {
		t.Errorf("none encoding = %q", got)
	}
}

func TestRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("telemetry payload "), 200)

	for _, typ := range []Type{TypeNone, TypeGzip, TypeZstd} {
		compressed, err := Compress(payload, Config{Type: typ})
		if err != nil {
			t.Fatalf("%s: compress: %v", typ, err)
		}
		if typ != TypeNone && len(compressed) >= len(payload) {
			t.Errorf("%s: compressed %d bytes, no smaller than input %d", typ, len(compressed), len(payload))
		}

		got, err := Decompress(compressed, typ)
		if err != nil {
			t.Fatalf("%s: decompress: %v", typ, err)
		}
		if !bytes.Equal(got, payload) {
			t.Errorf("%s: round trip mismatch", typ)
		}
	}
}

func TestCompressLevels(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdef"), 1000)

	fast, err := Compress(payload, Config{Type: TypeZstd, Level: 1})
	if err != nil {
		t.Fatal(err)
	}
	best, err := Compress(payload, Config{Type: TypeZstd, Level: 11})
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range [][]byte{fast, best} {
		got, err := Decompress(c, TypeZstd)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, payload) {
			t.Error("level round trip mismatch")
		}
	}
}

func TestUnsupportedType(t *testing.T) {
	if _, err := Compress([]byte("x"), Config{Type: "snappy"}); err == nil {
		t.Error("compress with unknown type must fail")
	}
	if _, err := Decompress([]byte("x"), "snappy"); err == nil {
		t.Error("decompress with unknown type must fail")
	}
}
