// Package ingestion loads local documents as (chapter, section, content)
// sets ready for the chunking pipeline. It covers the content the crawler
// cannot reach: files already on disk.
package ingestion

import (
	"path/filepath"
	"strings"
)

// Format enumerates supported local document formats.
type Format string

const (
	// FormatUnknown represents an unsupported or undetected format.
	FormatUnknown Format = ""
	// FormatMarkdown represents Markdown documents.
	FormatMarkdown Format = "markdown"
	// FormatPDF represents PDF documents.
	FormatPDF Format = "pdf"
)

// DetectFormat infers a document format from the provided path's extension.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return FormatMarkdown
	case ".pdf":
		return FormatPDF
	default:
		return FormatUnknown
	}
}
