package probe

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
)

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func TestHeight(t *testing.T) {
	tests := []struct{ w, h int }{
		{16, 9},
		{64, 48},
		{8, 1080},
	}
	for _, tc := range tests {
		got, err := Height(encodeJPEG(t, tc.w, tc.h))
		if err != nil {
			t.Fatalf("Height(%dx%d): %v", tc.w, tc.h, err)
		}
		if got != tc.h {
			t.Errorf("Height(%dx%d) = %d, want %d", tc.w, tc.h, got, tc.h)
		}
	}
}

func TestHeight_NotAnImage(t *testing.T) {
	if _, err := Height([]byte("definitely not a jpeg")); err == nil {
		t.Fatal("expected error, got nil")
	}
	if _, err := Height(nil); err == nil {
		t.Fatal("expected error for empty input, got nil")
	}
}
