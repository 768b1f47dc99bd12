package ingestion

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	pdf "github.com/ledongthuc/pdf"

	"github.com/fabfab/bookrag/pipeline"
)

// Loader reads supported files and turns each into pipeline sections.
type Loader struct {
	logger *log.Logger
}

func NewLoader(logger *log.Logger) *Loader {
	if logger == nil {
		logger = log.Default()
	}
	return &Loader{logger: logger}
}

// LoadDir walks dir and loads every supported file. Unsupported files are
// skipped with a log line; a file that fails to parse fails the whole load.
func (l *Loader) LoadDir(dir string) ([]pipeline.SectionInput, error) {
	var sections []pipeline.SectionInput

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if DetectFormat(path) == FormatUnknown {
			l.logger.Printf("skipping unsupported file %s", path)
			return nil
		}

		loaded, loadErr := l.LoadFile(path)
		if loadErr != nil {
			return fmt.Errorf("load %s: %w", path, loadErr)
		}
		sections = append(sections, loaded...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(sections) == 0 {
		return nil, fmt.Errorf("no supported documents found under %s", dir)
	}
	return sections, nil
}

// LoadFile parses one file into sections. Markdown splits at level-1 and
// level-2 headings with the document chapter taken from the first heading;
// a PDF becomes a single section carrying its full text.
func (l *Loader) LoadFile(path string) ([]pipeline.SectionInput, error) {
	switch DetectFormat(path) {
	case FormatMarkdown:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read markdown: %w", err)
		}
		return splitMarkdown(string(data), fileStem(path)), nil
	case FormatPDF:
		return loadPDF(path)
	default:
		return nil, fmt.Errorf("unsupported format for %s", path)
	}
}

func loadPDF(path string) ([]pipeline.SectionInput, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	plain, err := reader.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("extract pdf text: %w", err)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return nil, fmt.Errorf("read pdf text: %w", err)
	}

	content := strings.TrimSpace(buf.String())
	if content == "" {
		return nil, nil
	}

	stem := fileStem(path)
	return []pipeline.SectionInput{{
		Chapter: stem,
		Section: "Full Text",
		Content: content,
	}}, nil
}

// splitMarkdown cuts a document at level-1 and level-2 headings. Text
// before the first heading lands in an "Introduction" section. The chapter
// name comes from the first level-1 heading, falling back to the file stem.
func splitMarkdown(content, fallbackChapter string) []pipeline.SectionInput {
	lines := strings.Split(content, "\n")

	chapter := fallbackChapter
	var (
		sections []pipeline.SectionInput
		current  = "Introduction"
		body     []string
	)

	flush := func() {
		text := strings.TrimSpace(strings.Join(body, "\n"))
		body = body[:0]
		if text == "" {
			return
		}
		sections = append(sections, pipeline.SectionInput{
			Chapter: chapter,
			Section: current,
			Content: text,
		})
	}

	for _, line := range lines {
		title, level, ok := headingLine(line)
		if !ok || level > 2 {
			body = append(body, line)
			continue
		}

		flush()
		if level == 1 && chapter == fallbackChapter {
			chapter = title
		}
		current = title
	}
	flush()

	// Sections captured before the chapter title was known keep the
	// fallback name, so the whole file stays under a single chapter.
	for i := range sections {
		sections[i].Chapter = chapter
	}
	return sections
}

func headingLine(line string) (title string, level int, ok bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "#") {
		return "", 0, false
	}
	for level < len(trimmed) && trimmed[level] == '#' {
		level++
	}
	if level > 6 {
		return "", 0, false
	}
	title = strings.TrimSpace(trimmed[level:])
	if title == "" {
		return "", 0, false
	}
	return title, level, true
}

func fileStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
