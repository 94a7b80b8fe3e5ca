package util

import (
	"testing"
)

func TestComputeChecksum(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"simple", []byte("hello world")},
		{"binary", []byte{0x00, 0x01, 0x02, 0x03, 0xFF}},
		{"large", make([]byte, 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checksum1 := ComputeChecksum(tt.data)
			checksum2 := ComputeChecksum(tt.data)

			if checksum1 != checksum2 {
				t.Errorf("Checksums should be deterministic: %d != %d", checksum1, checksum2)
			}
		})
	}
}

func TestValidateChecksum(t *testing.T) {
	data := []byte("payload under validation")
	checksum := ComputeChecksum(data)

	if !ValidateChecksum(data, checksum) {
		t.Error("Valid checksum should pass validation")
	}

	if ValidateChecksum(data, checksum+1) {
		t.Error("Invalid checksum should fail validation")
	}

	corrupted := append([]byte{}, data...)
	corrupted[0] ^= 0xFF
	if ValidateChecksum(corrupted, checksum) {
		t.Error("Corrupted data should fail validation")
	}
}

func TestCompressRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"text", []byte("the quick brown fox jumps over the lazy dog")},
		{"repetitive", make([]byte, 4096)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compressed := Compress(tt.data)
			out, err := Decompress(compressed)
			if err != nil {
				t.Fatalf("Decompress failed: %v", err)
			}
			if len(out) != len(tt.data) {
				t.Fatalf("Length mismatch: expected %d, got %d", len(tt.data), len(out))
			}
			for i := range tt.data {
				if out[i] != tt.data[i] {
					t.Fatalf("Data mismatch at index %d", i)
				}
			}
		})
	}
}

func TestDecompressRejectsGarbage(t *testing.T) {
	if _, err := Decompress([]byte("definitely not a zstd frame")); err == nil {
		t.Error("Garbage input should fail decompression")
	}
}

func TestIsCompressed(t *testing.T) {
	plain := []byte("plain payload, long enough to carry a frame header")
	if IsCompressed(plain) {
		t.Error("Plain data should not look compressed")
	}
	if !IsCompressed(Compress(plain)) {
		t.Error("Compressed data should carry the zstd magic")
	}
	if IsCompressed([]byte{0x28, 0xb5}) {
		t.Error("Data shorter than the magic should not look compressed")
	}
}

func BenchmarkComputeChecksum(b *testing.B) {
	data := make([]byte, 1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ComputeChecksum(data)
	}
}
