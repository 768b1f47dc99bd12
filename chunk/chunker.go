// Package chunk splits extracted text into bounded, overlapping,
// deterministically-identified units. Re-running the chunker over identical
// input always yields identical chunk ids, which is what makes re-ingestion
// an idempotent upsert instead of a source of duplicates.
package chunk

import (
	"fmt"
	"regexp"
	"strings"
)

// Strategy selects how text is split.
type Strategy string

const (
	StrategySize      Strategy = "size"
	StrategyParagraph Strategy = "paragraph"
	StrategyHeading   Strategy = "heading"
)

// SourceRef locates a chunk's origin inside the corpus.
type SourceRef struct {
	Book    string
	Chapter string
	Section string
}

func (r SourceRef) String() string {
	return r.Book + ":" + r.Chapter + ":" + r.Section
}

// Chunk is one retrievable unit of text.
type Chunk struct {
	ChunkID  string
	Content  string
	Source   SourceRef
	Order    int
	Metadata map[string]string
}

// ID returns the deterministic chunk id for a source position. It is a pure
// function of (source, order): identical content re-ingested at the same
// position maps to the same id.
func ID(ref SourceRef, order int) string {
	return fmt.Sprintf("%s:%s:%s:%04d", ref.Book, ref.Chapter, ref.Section, order)
}

// Chunker splits text according to token budgets. Token counts are
// approximated by whitespace-separated words.
type Chunker struct {
	maxTokens     int
	overlapTokens int
	minTokens     int
}

func NewChunker(maxTokens, overlapTokens, minTokens int) *Chunker {
	if maxTokens <= 0 {
		maxTokens = 350
	}
	if overlapTokens < 0 {
		overlapTokens = 0
	}
	if minTokens < 0 {
		minTokens = 0
	}
	return &Chunker{
		maxTokens:     maxTokens,
		overlapTokens: overlapTokens,
		minTokens:     minTokens,
	}
}

// Chunk splits text with the given strategy. Orders start at 0 and are
// contiguous per source ref. Empty input yields zero chunks. An
// unrecognized strategy falls back to size splitting; configuration
// validation rejects typos before they reach this point.
func (c *Chunker) Chunk(text string, ref SourceRef, strategy Strategy) []Chunk {
	switch strategy {
	case StrategyParagraph:
		return c.chunkByParagraph(text, ref)
	case StrategyHeading:
		return c.chunkByHeading(text, ref)
	default:
		return c.chunkBySize(text, ref)
	}
}

func tokenCount(s string) int {
	return len(strings.Fields(s))
}

// chunkBySize packs sentences greedily. A chunk is flushed once adding the
// next sentence would reach the token ceiling, then seeded with a trailing
// window of prior sentences covering at most the overlap budget. A single
// sentence at or over the ceiling is emitted whole, never split.
func (c *Chunker) chunkBySize(text string, ref SourceRef) []Chunk {
	var chunks []Chunk
	c.packSentences(SplitSentences(text), ref, &chunks, nil)
	return chunks
}

// packSentences appends size-bounded chunks built from sentences, annotating
// each with extraMeta. Order continues from len(*chunks).
func (c *Chunker) packSentences(sentences []string, ref SourceRef, chunks *[]Chunk, extraMeta map[string]string) {
	var current []string
	currentTokens := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		c.appendChunk(chunks, ref, strings.Join(current, " "), extraMeta)
		if c.overlapTokens > 0 {
			current, currentTokens = overlapWindow(current, c.overlapTokens)
		} else {
			current, currentTokens = nil, 0
		}
	}

	for _, sentence := range sentences {
		n := tokenCount(sentence)
		if len(current) > 0 && currentTokens+n >= c.maxTokens {
			flush()
		}
		current = append(current, sentence)
		currentTokens += n
	}
	if len(current) > 0 {
		c.appendChunk(chunks, ref, strings.Join(current, " "), extraMeta)
	}
}

func (c *Chunker) appendChunk(chunks *[]Chunk, ref SourceRef, content string, extraMeta map[string]string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	order := len(*chunks)
	meta := map[string]string{
		"token_count": fmt.Sprintf("%d", tokenCount(content)),
	}
	for k, v := range extraMeta {
		meta[k] = v
	}
	*chunks = append(*chunks, Chunk{
		ChunkID:  ID(ref, order),
		Content:  content,
		Source:   ref,
		Order:    order,
		Metadata: meta,
	})
}

// overlapWindow returns the longest suffix of sentences whose combined
// token count fits the overlap budget.
func overlapWindow(sentences []string, budget int) ([]string, int) {
	total := 0
	start := len(sentences)
	for i := len(sentences) - 1; i >= 0; i-- {
		n := tokenCount(sentences[i])
		if total+n > budget {
			break
		}
		total += n
		start = i
	}
	window := make([]string, len(sentences)-start)
	copy(window, sentences[start:])
	return window, total
}

var paragraphSplit = regexp.MustCompile(`\n\s*\n`)

// chunkByParagraph emits one chunk per paragraph, falling back to sentence
// packing for paragraphs over the token ceiling.
func (c *Chunker) chunkByParagraph(text string, ref SourceRef) []Chunk {
	var chunks []Chunk
	meta := map[string]string{"strategy": string(StrategyParagraph)}

	for _, paragraph := range paragraphSplit.Split(text, -1) {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}
		if tokenCount(paragraph) <= c.maxTokens {
			c.appendChunk(&chunks, ref, paragraph, meta)
			continue
		}
		c.packSentences(SplitSentences(paragraph), ref, &chunks, meta)
	}
	return chunks
}

var (
	atxHeading      = regexp.MustCompile(`^#{1,6}\s+\S`)
	setextUnderline = regexp.MustCompile(`^(={3,}|-{3,})\s*$`)
)

// chunkByHeading splits at markdown-style heading lines, keeping each
// heading with the content that follows it. Content before the first
// heading and oversized sections fall back to sentence packing.
func (c *Chunker) chunkByHeading(text string, ref SourceRef) []Chunk {
	type section struct {
		heading string
		body    []string
	}

	lines := strings.Split(text, "\n")
	sections := []section{{}}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		switch {
		case atxHeading.MatchString(strings.TrimSpace(line)):
			sections = append(sections, section{heading: strings.TrimSpace(line)})
		case i+1 < len(lines) && strings.TrimSpace(line) != "" && setextUnderline.MatchString(strings.TrimSpace(lines[i+1])):
			sections = append(sections, section{heading: strings.TrimSpace(line)})
			i++
		default:
			last := &sections[len(sections)-1]
			last.body = append(last.body, line)
		}
	}

	var chunks []Chunk
	meta := map[string]string{"strategy": string(StrategyHeading)}

	for _, sec := range sections {
		body := strings.TrimSpace(strings.Join(sec.body, "\n"))
		if sec.heading == "" && body == "" {
			continue
		}

		full := body
		if sec.heading != "" {
			full = sec.heading
			if body != "" {
				full = sec.heading + "\n\n" + body
			}
		}

		if tokenCount(full) <= c.maxTokens {
			secMeta := withHeading(meta, sec.heading)
			c.appendChunk(&chunks, ref, full, secMeta)
			continue
		}

		// Oversized section: pack the body and keep the heading on the
		// first resulting chunk.
		first := len(chunks)
		c.packSentences(SplitSentences(body), ref, &chunks, withHeading(meta, sec.heading))
		if sec.heading != "" && len(chunks) > first {
			lead := &chunks[first]
			lead.Content = sec.heading + "\n\n" + lead.Content
			lead.Metadata["token_count"] = fmt.Sprintf("%d", tokenCount(lead.Content))
		}
	}
	return chunks
}

func withHeading(meta map[string]string, heading string) map[string]string {
	out := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	if heading != "" {
		out["heading"] = heading
	}
	return out
}

// MergeSmall combines runs of adjacent undersized chunks while the merged
// content stays within the token ceiling, then renumbers orders and ids so
// the result still satisfies the contiguous-order invariant.
func (c *Chunker) MergeSmall(chunks []Chunk) []Chunk {
	if len(chunks) <= 1 {
		return chunks
	}

	small := func(ch Chunk) bool {
		return tokenCount(ch.Content) < c.minTokens*2
	}

	var merged []Chunk
	i := 0
	for i < len(chunks) {
		current := chunks[i]
		if !small(current) {
			merged = append(merged, current)
			i++
			continue
		}

		content := current.Content
		j := i + 1
		for j < len(chunks) && small(chunks[j]) &&
			tokenCount(content)+tokenCount(chunks[j].Content) <= c.maxTokens {
			content += "\n\n" + chunks[j].Content
			j++
		}
		current.Content = content
		merged = append(merged, current)
		i = j
	}

	for idx := range merged {
		merged[idx].Order = idx
		merged[idx].ChunkID = ID(merged[idx].Source, idx)
		if merged[idx].Metadata != nil {
			// The maps are shared with the input chunks; copy before
			// rewriting token_count so callers keep their own counts.
			meta := make(map[string]string, len(merged[idx].Metadata))
			for k, v := range merged[idx].Metadata {
				meta[k] = v
			}
			meta["token_count"] = fmt.Sprintf("%d", tokenCount(merged[idx].Content))
			merged[idx].Metadata = meta
		}
	}
	return merged
}
