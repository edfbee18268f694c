// Package filter enforces the accepted-file-type policy. The same policy
// instance gates the file picker, drag-and-drop, and clipboard paste, so
// the entry points cannot drift apart.
package filter

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy lists what each attachment path accepts. Documents match by file
// extension (the picker filter), images by MIME type prefix.
type Policy struct {
	DocumentExtensions []string `yaml:"documentExtensions"`
	ImageMimePrefixes  []string `yaml:"imageMimePrefixes"`
}

// Default returns the built-in policy: PDF and Word documents, any image
// MIME type.
func Default() *Policy {
	return &Policy{
		DocumentExtensions: []string{".pdf", ".docx"},
		ImageMimePrefixes:  []string{"image/"},
	}
}

// Load reads a policy from a YAML file. A missing file yields the default
// policy; a malformed one is an error.
func Load(path string, logger *slog.Logger) (*Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debug("filter policy file absent, using defaults", "path", path)
			return Default(), nil
		}
		return nil, fmt.Errorf("read filter policy: %w", err)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse filter policy %s: %w", path, err)
	}
	if len(p.DocumentExtensions) == 0 {
		p.DocumentExtensions = Default().DocumentExtensions
	}
	if len(p.ImageMimePrefixes) == 0 {
		p.ImageMimePrefixes = Default().ImageMimePrefixes
	}

	logger.Info("filter policy loaded",
		"path", path,
		"documents", strings.Join(p.DocumentExtensions, ","),
		"images", strings.Join(p.ImageMimePrefixes, ","),
	)
	return &p, nil
}

// AllowDocument reports whether a file may enter the document path.
func (p *Policy) AllowDocument(name, mimeType string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range p.DocumentExtensions {
		if ext == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

// AllowImage reports whether a MIME type may enter the image path.
func (p *Policy) AllowImage(mimeType string) bool {
	mime := strings.ToLower(mimeType)
	for _, prefix := range p.ImageMimePrefixes {
		if strings.HasPrefix(mime, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}
