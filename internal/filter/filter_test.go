package filter

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestDefaultPolicy(t *testing.T) {
	p := Default()

	if !p.AllowDocument("report.pdf", "application/pdf") {
		t.Error("pdf should be accepted")
	}
	if !p.AllowDocument("Notes.DOCX", "application/vnd.openxmlformats-officedocument.wordprocessingml.document") {
		t.Error("docx should be accepted case-insensitively")
	}
	if p.AllowDocument("script.sh", "text/x-shellscript") {
		t.Error("unlisted extension should be rejected")
	}
	if p.AllowDocument("archive", "application/zip") {
		t.Error("extension-less file should be rejected")
	}

	if !p.AllowImage("image/png") {
		t.Error("png should be accepted")
	}
	if !p.AllowImage("image/webp") {
		t.Error("any image/* type should be accepted")
	}
	if p.AllowImage("application/pdf") {
		t.Error("non-image MIME should be rejected on the image path")
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	p, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if !p.AllowDocument("a.pdf", "application/pdf") {
		t.Error("defaults should apply when the policy file is absent")
	}
}

func TestLoad_CustomPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filters.yaml")
	content := "documentExtensions: [\".md\", \".txt\"]\nimageMimePrefixes: [\"image/png\"]\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := Load(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if !p.AllowDocument("readme.md", "text/markdown") {
		t.Error("custom extension should be accepted")
	}
	if p.AllowDocument("report.pdf", "application/pdf") {
		t.Error("pdf is not in the custom policy")
	}
	if p.AllowImage("image/jpeg") {
		t.Error("only png allowed by the custom policy")
	}
}

func TestLoad_MalformedPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filters.yaml")
	if err := os.WriteFile(path, []byte("documentExtensions: {not: a list"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path, testLogger()); err == nil {
		t.Fatal("malformed policy file should be an error")
	}
}
