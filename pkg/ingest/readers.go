package ingest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
)

// ReadDocument extracts (title, plain text) from a supported file.
// The title is the first markdown heading when present, otherwise the
// basename without extension.
func ReadDocument(path string) (string, string, error) {
	var (
		content string
		err     error
	)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		content, err = readPDF(path)
	case ".docx":
		content, err = readDocx(path)
	case ".txt", ".md", ".markdown":
		content, err = readText(path)
	default:
		return "", "", fmt.Errorf("unsupported document type: %s", path)
	}
	if err != nil {
		return "", "", err
	}

	return titleFor(path, content), content, nil
}

func readText(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(raw), nil
}

func readPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open pdf %s: %w", path, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("failed to extract pdf text from %s: %w", path, err)
	}
	if _, err := buf.ReadFrom(reader); err != nil {
		return "", fmt.Errorf("failed to read pdf text from %s: %w", path, err)
	}

	return buf.String(), nil
}

func readDocx(path string) (string, error) {
	r, err := docx.ReadDocxFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to open docx %s: %w", path, err)
	}
	defer r.Close()

	return docxToText(r.Editable().GetContent()), nil
}

// docxToText strips the document XML down to paragraph text. The docx
// library exposes raw XML; paragraph closes become newlines and all
// other tags are dropped.
func docxToText(raw string) string {
	raw = strings.ReplaceAll(raw, "</w:p>", "\n")

	var sb strings.Builder
	sb.Grow(len(raw) / 2)
	inTag := false
	for _, r := range raw {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			sb.WriteRune(r)
		}
	}

	return strings.TrimSpace(sb.String())
}

func titleFor(path, content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimLeft(line, "# "))
		}
		if line != "" {
			break
		}
	}

	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
