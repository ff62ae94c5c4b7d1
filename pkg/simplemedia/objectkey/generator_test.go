package objectkey

import (
	"strings"
	"testing"
)

const testHash = "98fcdeb51a243d19f12345678901234abcdef0123456789abcdef0123456789a"

func TestFlatGenerator(t *testing.T) {
	gen := NewFlatGenerator()

	tests := []struct {
		name     string
		metadata *KeyMetadata
		expected string
	}{
		{
			name:     "original without extension",
			metadata: &KeyMetadata{Hash: testHash},
			expected: "media/" + testHash,
		},
		{
			name:     "original with extension",
			metadata: &KeyMetadata{Hash: testHash, Extension: ".JPG"},
			expected: "media/" + testHash + ".jpg",
		},
		{
			name:     "thumbnail",
			metadata: &KeyMetadata{Hash: testHash, Extension: ".jpg", VariantKind: "thumbnail"},
			expected: "media/" + testHash + "_thumbnail.jpg",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := gen.GenerateKey(tt.metadata)
			if result != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, result)
			}
		})
	}
}

func TestGitLikeGenerator(t *testing.T) {
	gen := NewGitLikeGenerator()

	tests := []struct {
		name     string
		metadata *KeyMetadata
		expected string
	}{
		{
			name:     "original",
			metadata: &KeyMetadata{Hash: testHash, Extension: ".png"},
			expected: "originals/objects/98/" + testHash[2:] + ".png",
		},
		{
			name:     "thumbnail",
			metadata: &KeyMetadata{Hash: testHash, Extension: ".jpg", VariantKind: "thumbnail"},
			expected: "derived/thumbnail/objects/98/" + testHash[2:] + "_thumbnail.jpg",
		},
		{
			name:     "resized",
			metadata: &KeyMetadata{Hash: testHash, Extension: ".jpg", VariantKind: "resized_800"},
			expected: "derived/resized_800/objects/98/" + testHash[2:] + "_resized_800.jpg",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := gen.GenerateKey(tt.metadata)
			if result != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, result)
			}
		})
	}
}

func TestGitLikeGenerator_Deterministic(t *testing.T) {
	gen := NewGitLikeGenerator()
	meta := &KeyMetadata{Hash: testHash, Extension: ".jpg"}

	if gen.GenerateKey(meta) != gen.GenerateKey(meta) {
		t.Error("same digest must map to the same key")
	}
	other := &KeyMetadata{Hash: strings.Repeat("0", 64), Extension: ".jpg"}
	if gen.GenerateKey(meta) == gen.GenerateKey(other) {
		t.Error("different digests must map to different keys")
	}
}

func TestHighPerformanceGenerator(t *testing.T) {
	key := NewHighPerformanceGenerator().GenerateKey(&KeyMetadata{Hash: testHash})
	if !strings.HasPrefix(key, "originals/objects/98f/") {
		t.Errorf("expected 3-character shard, got %s", key)
	}
}

func TestSanitizePathComponent(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Thumbnail", "thumbnail"},
		{"../etc", "__etc"},
		{"a b:c", "a_b_c"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizePathComponent(tt.input)
			if result != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, result)
			}
		})
	}
}

func TestCustomFuncGenerator(t *testing.T) {
	gen := NewCustomFuncGenerator(func(m *KeyMetadata) string {
		return "custom/" + m.Hash[:8]
	})
	if key := gen.GenerateKey(&KeyMetadata{Hash: testHash}); key != "custom/98fcdeb5" {
		t.Errorf("unexpected key %s", key)
	}
}

func TestFromName(t *testing.T) {
	for _, name := range []string{"", "git-like", "flat", "high-performance"} {
		if _, err := FromName(name); err != nil {
			t.Errorf("FromName(%q): %v", name, err)
		}
	}
	if _, err := FromName("nope"); err == nil {
		t.Error("expected error for unknown generator")
	}
}
