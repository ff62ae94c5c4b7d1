package objectkey

import (
	"fmt"
	"strings"
)

// Generator defines the interface for object key generation strategies.
// Keys are derived from the content digest so identical bytes map to the same object.
type Generator interface {
	// GenerateKey creates an object key for storage backends
	GenerateKey(metadata *KeyMetadata) string
}

// KeyMetadata contains information that influences key generation
type KeyMetadata struct {
	// Hash is the hex digest of the bytes being stored
	Hash string

	// Extension includes the leading dot, e.g. ".jpg"
	Extension string

	// VariantKind is empty for originals, "thumbnail" or "resized_<w>" for variants
	VariantKind string
}

// IsOriginal reports whether the key is for an original upload
func (m *KeyMetadata) IsOriginal() bool {
	return m.VariantKind == ""
}

// FlatGenerator stores everything under one prefix, for small deployments and tests.
// Original: media/cd1234ef5678.jpg
// Variant:  media/cd1234ef5678_thumbnail.jpg
type FlatGenerator struct {
	Prefix string
}

func NewFlatGenerator() *FlatGenerator {
	return &FlatGenerator{Prefix: "media"}
}

func (g *FlatGenerator) GenerateKey(metadata *KeyMetadata) string {
	name := sanitizePathComponent(metadata.Hash)
	if !metadata.IsOriginal() {
		name += "_" + sanitizePathComponent(metadata.VariantKind)
	}
	return fmt.Sprintf("%s/%s%s", strings.Trim(g.Prefix, "/"), name, sanitizeExtension(metadata.Extension))
}

// GitLikeGenerator provides Git-style sharded storage with original/derived separation
// Original: originals/objects/ab/cd1234ef5678.jpg
// Derived:  derived/{kind}/objects/ab/cd1234ef5678_{kind}.jpg
type GitLikeGenerator struct {
	// ShardLength controls how many characters to use for sharding (default: 2)
	ShardLength int
}

func NewGitLikeGenerator() *GitLikeGenerator {
	return &GitLikeGenerator{
		ShardLength: 2,
	}
}

func (g *GitLikeGenerator) GenerateKey(metadata *KeyMetadata) string {
	hash := sanitizePathComponent(metadata.Hash)

	shardLength := g.ShardLength
	if shardLength <= 0 {
		shardLength = 2
	}
	if len(hash) <= shardLength {
		shardLength = len(hash) / 2
	}

	// Git-style sharding
	shardDir := hash[:shardLength]
	remaining := hash[shardLength:]
	ext := sanitizeExtension(metadata.Extension)

	if metadata.IsOriginal() {
		return fmt.Sprintf("originals/objects/%s/%s%s", shardDir, remaining, ext)
	}
	kind := sanitizePathComponent(metadata.VariantKind)
	return fmt.Sprintf("derived/%s/objects/%s/%s_%s%s", kind, shardDir, remaining, kind, ext)
}

// CustomFuncGenerator allows users to provide their own key generation function
type CustomFuncGenerator struct {
	GenerateFunc func(metadata *KeyMetadata) string
}

func NewCustomFuncGenerator(fn func(metadata *KeyMetadata) string) *CustomFuncGenerator {
	return &CustomFuncGenerator{
		GenerateFunc: fn,
	}
}

func (g *CustomFuncGenerator) GenerateKey(metadata *KeyMetadata) string {
	return g.GenerateFunc(metadata)
}

// Helper functions for path sanitization
func sanitizePathComponent(component string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
		" ", "_",
		"..", "_",
	)
	return strings.ToLower(replacer.Replace(component))
}

func sanitizeExtension(ext string) string {
	if ext == "" {
		return ""
	}
	ext = sanitizePathComponent(strings.TrimPrefix(ext, "."))
	if ext == "" {
		return ""
	}
	return "." + ext
}

// NewRecommendedGenerator returns the recommended generator for new installations
func NewRecommendedGenerator() Generator {
	return NewGitLikeGenerator()
}

// NewHighPerformanceGenerator returns a generator with 3-character shards
func NewHighPerformanceGenerator() Generator {
	return &GitLikeGenerator{ShardLength: 3}
}

// FromName returns the generator registered under name ("git-like", "flat", "high-performance")
func FromName(name string) (Generator, error) {
	switch strings.ToLower(name) {
	case "", "git-like", "gitlike", "recommended":
		return NewRecommendedGenerator(), nil
	case "flat":
		return NewFlatGenerator(), nil
	case "high-performance":
		return NewHighPerformanceGenerator(), nil
	}
	return nil, fmt.Errorf("unknown object key generator %q", name)
}
