package safety

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestNormalizeCatalogPath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: `Data\Spartan.exe`, want: "Data/Spartan.exe"},
		{in: "./bin//game.dll", want: "bin/game.dll"},
		{in: "Spartan.exe", want: "Spartan.exe"},
		{in: "", wantErr: true},
		{in: ".", wantErr: true},
		{in: "/etc/passwd", wantErr: true},
		{in: `C:\Windows\system32`, wantErr: true},
		{in: `..\escape.txt`, wantErr: true},
		{in: "a/../../b", wantErr: true},
	}

	for _, tt := range tests {
		got, err := NormalizeCatalogPath(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("NormalizeCatalogPath(%q) = %q, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeCatalogPath(%q) returned error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeCatalogPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolveUnderRoot(t *testing.T) {
	root := t.TempDir()

	got, err := ResolveUnderRoot(root, `Data\Art\terrain.bar`)
	if err != nil {
		t.Fatalf("ResolveUnderRoot returned error: %v", err)
	}
	want := filepath.Join(root, "Data", "Art", "terrain.bar")
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	if _, err := ResolveUnderRoot(root, "../escape.txt"); err == nil {
		t.Fatal("expected traversal path to fail")
	}
}

func TestReadAllWithLimit(t *testing.T) {
	_, err := ReadAllWithLimit(strings.NewReader("abc"), 2)
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}

	data, err := ReadAllWithLimit(strings.NewReader("abc"), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "abc" {
		t.Fatalf("unexpected data: %q", string(data))
	}
}

func TestResolveSourceURL(t *testing.T) {
	got, err := ResolveSourceURL("https://cdn.example.com/game", `Data\Spartan.exe`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "https://cdn.example.com/game/Data/Spartan.exe" {
		t.Fatalf("got %q", got)
	}

	got, err = ResolveSourceURL("", "https://mirror.example.com/f.bin")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "https://mirror.example.com/f.bin" {
		t.Fatalf("got %q", got)
	}

	if _, err := ResolveSourceURL("", "relative/file.bin"); err == nil {
		t.Fatal("expected relative source without base to fail")
	}
	if _, err := ResolveSourceURL("", "https://user:pw@example.com/f"); err == nil {
		t.Fatal("expected userinfo URL to fail")
	}
	if _, err := ResolveSourceURL("ftp://example.com", "f.bin"); err == nil {
		t.Fatal("expected non-http base to fail")
	}
}
