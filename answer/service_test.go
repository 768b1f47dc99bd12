package answer_test

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/fabfab/bookrag/answer"
	"github.com/fabfab/bookrag/config"
	"github.com/fabfab/bookrag/llm"
	"github.com/fabfab/bookrag/retry"
	"github.com/fabfab/bookrag/store"
)

type stubEmbedder struct {
	vector []float32
	err    error
	calls  int
}

func (s *stubEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.vector, nil
}

var _ answer.QueryEmbedder = (*stubEmbedder)(nil)

type stubRetriever struct {
	results []store.SearchResult
	err     error
	calls   int
}

func (s *stubRetriever) Search(ctx context.Context, vector []float32, topK int, scoreThreshold float32, filter store.Filter) ([]store.SearchResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.results, nil
}

var _ answer.Retriever = (*stubRetriever)(nil)

type stubLLM struct {
	answer   string
	err      error
	calls    int
	messages []llm.Message
}

func (s *stubLLM) Generate(ctx context.Context, messages []llm.Message) (string, error) {
	s.calls++
	s.messages = messages
	if s.err != nil {
		return "", s.err
	}
	return s.answer, nil
}

var _ llm.Client = (*stubLLM)(nil)

func testConfig() config.AnswerConfig {
	return config.AnswerConfig{
		TopK:                  5,
		MaxContextChars:       8000,
		SelectedTextThreshold: 0.8,
		BookWideThreshold:     0.6,
	}
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}
}

func newService(e answer.QueryEmbedder, r answer.Retriever, l llm.Client, cfg config.AnswerConfig) *answer.Service {
	return answer.NewService(e, r, l, fastPolicy(), cfg, log.New(io.Discard, "", 0))
}

func result(content, chapter, section string, score float32) store.SearchResult {
	return store.SearchResult{
		ID:    store.PointID(content),
		Score: score,
		Payload: store.Payload{
			Content: content,
			Book:    "book1",
			Chapter: chapter,
			Section: section,
		},
	}
}

func TestAnswerBookWideUsesRetrievedContext(t *testing.T) {
	embedder := &stubEmbedder{vector: []float32{0.1, 0.2}}
	retriever := &stubRetriever{results: []store.SearchResult{
		result("Chunking splits text into bounded units for retrieval.", "Chapter 2", "Chunking", 0.91),
		result("Embeddings map text into vectors.", "Chapter 3", "Embeddings", 0.84),
	}}
	generator := &stubLLM{answer: "Chunking splits text into bounded units for retrieval."}

	svc := newService(embedder, retriever, generator, testConfig())
	resp, err := svc.Answer(context.Background(), "What does chunking do?", answer.ModeBookWide, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if embedder.calls != 1 || retriever.calls != 1 || generator.calls != 1 {
		t.Errorf("calls: embed=%d search=%d llm=%d", embedder.calls, retriever.calls, generator.calls)
	}
	if resp.Mode != answer.ModeBookWide {
		t.Errorf("mode = %s", resp.Mode)
	}
	if len(resp.Sources) != 2 {
		t.Fatalf("sources = %d", len(resp.Sources))
	}
	if resp.Sources[0].Chapter != "Chapter 2" || resp.Sources[0].Section != "Chunking" {
		t.Errorf("first source = %+v", resp.Sources[0])
	}
	if !resp.Validation.IsAligned {
		t.Errorf("fully supported answer flagged: %+v", resp.Validation)
	}

	// The prompt must carry the retrieved context, not just the question.
	var userContent string
	for _, m := range generator.messages {
		if m.Role == llm.RoleUser {
			userContent = m.Content
		}
	}
	if !strings.Contains(userContent, "Chunking splits text") {
		t.Errorf("retrieved context missing from prompt: %q", userContent)
	}
}

func TestAnswerSelectedTextBypassesSearch(t *testing.T) {
	embedder := &stubEmbedder{vector: []float32{0.1}}
	retriever := &stubRetriever{}
	generator := &stubLLM{answer: "The gearbox uses planetary gears."}

	svc := newService(embedder, retriever, generator, testConfig())
	resp, err := svc.Answer(context.Background(), "How does the gearbox work?",
		answer.ModeSelectedText, "The gearbox uses planetary gears for torque conversion.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if embedder.calls != 0 {
		t.Error("selected-text mode must not embed the query")
	}
	if retriever.calls != 0 {
		t.Error("selected-text mode must not search the vector store")
	}
	if generator.calls != 1 {
		t.Errorf("llm calls = %d", generator.calls)
	}
	if resp.Answer != "The gearbox uses planetary gears." {
		t.Errorf("answer = %q", resp.Answer)
	}
	if !resp.Validation.IsAligned {
		t.Errorf("supported answer flagged: %+v", resp.Validation)
	}
}

func TestAnswerEmptySelectedTextReturnsFixedMessage(t *testing.T) {
	generator := &stubLLM{answer: "should never be called"}
	svc := newService(&stubEmbedder{}, &stubRetriever{}, generator, testConfig())

	for _, selected := range []string{"", "   \n\t "} {
		resp, err := svc.Answer(context.Background(), "What is the answer?", answer.ModeSelectedText, selected)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.Answer != answer.InsufficientContextMessage {
			t.Errorf("answer = %q, want the fixed insufficiency message", resp.Answer)
		}
		if generator.calls != 0 {
			t.Fatal("empty context must not reach the LLM")
		}
		if len(resp.Sources) != 0 {
			t.Errorf("sources = %v, want none", resp.Sources)
		}
	}
}

func TestAnswerBookWideNoResultsReturnsFallback(t *testing.T) {
	generator := &stubLLM{answer: "should never be called"}
	svc := newService(&stubEmbedder{vector: []float32{0.1}}, &stubRetriever{}, generator, testConfig())

	resp, err := svc.Answer(context.Background(), "Anything?", answer.ModeBookWide, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if generator.calls != 0 {
		t.Fatal("no retrieved context must mean no LLM call")
	}
	if !strings.Contains(resp.Answer, "not covered in the book content") {
		t.Errorf("answer = %q", resp.Answer)
	}
}

func TestAnswerFlagsPoorlyGroundedResponse(t *testing.T) {
	retriever := &stubRetriever{results: []store.SearchResult{
		result("The protocol uses three-way handshakes.", "Chapter 1", "Networking", 0.9),
	}}
	// Almost nothing in this reply appears in the context.
	generator := &stubLLM{answer: "Quantum entanglement enables faster-than-light communication across galaxies."}

	svc := newService(&stubEmbedder{vector: []float32{0.1}}, retriever, generator, testConfig())
	resp, err := svc.Answer(context.Background(), "How does the protocol work?", answer.ModeBookWide, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Validation.IsAligned {
		t.Errorf("ungrounded answer not flagged: %+v", resp.Validation)
	}
	if resp.Answer == "" {
		t.Error("flagged answers are still returned")
	}
	if len(resp.Validation.UnmatchedTokens) == 0 {
		t.Error("expected unmatched tokens in the verdict")
	}
	if resp.Validation.Threshold != 0.6 {
		t.Errorf("threshold = %v, want the book-wide threshold", resp.Validation.Threshold)
	}
}

func TestAnswerContextAssemblyDropsWholeChunks(t *testing.T) {
	big := strings.Repeat("word ", 50)
	retriever := &stubRetriever{results: []store.SearchResult{
		result(big, "Chapter 1", "A", 0.9),
		result(strings.Repeat("other ", 100), "Chapter 1", "B", 0.8),
		result("tail chunk", "Chapter 1", "C", 0.7),
	}}
	generator := &stubLLM{answer: "word"}

	cfg := testConfig()
	cfg.MaxContextChars = 300
	svc := newService(&stubEmbedder{vector: []float32{0.1}}, retriever, generator, cfg)

	resp, err := svc.Answer(context.Background(), "Question?", answer.ModeBookWide, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Only the first chunk fits; the oversized second one is dropped whole,
	// which also ends assembly.
	if len(resp.Sources) != 1 {
		t.Fatalf("sources = %d, want 1: %+v", len(resp.Sources), resp.Sources)
	}
	var userContent string
	for _, m := range generator.messages {
		if m.Role == llm.RoleUser {
			userContent = m.Content
		}
	}
	if strings.Contains(userContent, "other") {
		t.Error("dropped chunk leaked into the prompt")
	}
}

func TestAnswerRetriesTransientLLMFailure(t *testing.T) {
	retriever := &stubRetriever{results: []store.SearchResult{
		result("Some context sentence.", "Chapter 1", "A", 0.9),
	}}

	attempts := 0
	flaky := &flakyLLM{fail: 1, answer: "Some context sentence.", attempts: &attempts}
	svc := newService(&stubEmbedder{vector: []float32{0.1}}, retriever, flaky, testConfig())

	resp, err := svc.Answer(context.Background(), "Question?", answer.ModeBookWide, "")
	if err != nil {
		t.Fatalf("transient failure should have been retried: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d", attempts)
	}
	if resp.Answer != "Some context sentence." {
		t.Errorf("answer = %q", resp.Answer)
	}
}

type flakyLLM struct {
	fail     int
	answer   string
	attempts *int
}

func (f *flakyLLM) Generate(ctx context.Context, messages []llm.Message) (string, error) {
	*f.attempts++
	if *f.attempts <= f.fail {
		return "", retry.MarkTransient(errors.New("rate limited"))
	}
	return f.answer, nil
}

type streamingLLM struct {
	parts []string
}

func (s *streamingLLM) Generate(ctx context.Context, messages []llm.Message) (string, error) {
	return strings.Join(s.parts, ""), nil
}

func (s *streamingLLM) GenerateStream(ctx context.Context, messages []llm.Message, fn func(string) error) error {
	for _, p := range s.parts {
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

var _ llm.StreamClient = (*streamingLLM)(nil)

func TestAnswerStreamForwardsChunks(t *testing.T) {
	retriever := &stubRetriever{results: []store.SearchResult{
		result("Streaming delivers partial answers early.", "Chapter 4", "Streaming", 0.9),
	}}
	generator := &streamingLLM{parts: []string{"Streaming delivers ", "partial answers early."}}

	svc := newService(&stubEmbedder{vector: []float32{0.1}}, retriever, generator, testConfig())

	var streamed []string
	resp, err := svc.AnswerStream(context.Background(), "What does streaming do?", answer.ModeBookWide, "",
		func(part string) error {
			streamed = append(streamed, part)
			return nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(streamed) != 2 {
		t.Fatalf("streamed parts = %v", streamed)
	}
	if resp.Answer != "Streaming delivers partial answers early." {
		t.Errorf("answer = %q", resp.Answer)
	}
}

func TestAnswerStreamFallbackWithoutStreamSupport(t *testing.T) {
	retriever := &stubRetriever{results: []store.SearchResult{
		result("Plain clients send the answer once.", "Chapter 4", "Streaming", 0.9),
	}}
	generator := &stubLLM{answer: "Plain clients send the answer once."}

	svc := newService(&stubEmbedder{vector: []float32{0.1}}, retriever, generator, testConfig())

	var streamed []string
	resp, err := svc.AnswerStream(context.Background(), "How do plain clients behave?", answer.ModeBookWide, "",
		func(part string) error {
			streamed = append(streamed, part)
			return nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(streamed) != 1 || streamed[0] != resp.Answer {
		t.Errorf("streamed = %v, answer = %q", streamed, resp.Answer)
	}
}

func TestAnswerRejectsEmptyQueryAndUnknownMode(t *testing.T) {
	svc := newService(&stubEmbedder{}, &stubRetriever{}, &stubLLM{}, testConfig())

	if _, err := svc.Answer(context.Background(), "  ", answer.ModeBookWide, ""); err == nil {
		t.Error("empty query must error")
	}
	if _, err := svc.Answer(context.Background(), "q", answer.Mode("chapter-wide"), ""); err == nil {
		t.Error("unknown mode must error")
	}
}

func TestAnswerAdmitsOversizedFirstChunk(t *testing.T) {
	passage := strings.Repeat("A sentence that keeps the passage well past the budget. ", 10)
	embedder := &stubEmbedder{vector: []float32{0.1}}
	retriever := &stubRetriever{results: []store.SearchResult{
		result(passage, "Chapter 1", "Intro", 0.9),
	}}
	generator := &stubLLM{answer: "ok"}

	cfg := testConfig()
	cfg.MaxContextChars = 50
	svc := newService(embedder, retriever, generator, cfg)

	resp, err := svc.Answer(context.Background(), "What does the passage say?", answer.ModeBookWide, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if generator.calls != 1 {
		t.Fatalf("llm calls = %d, want 1", generator.calls)
	}
	if resp.Answer != "ok" {
		t.Errorf("answer = %q, want the generated reply, not a fallback", resp.Answer)
	}
	if len(resp.Sources) != 1 {
		t.Errorf("sources = %d, want the oversized chunk admitted", len(resp.Sources))
	}

	var userContent string
	for _, m := range generator.messages {
		if m.Role == llm.RoleUser {
			userContent = m.Content
		}
	}
	if !strings.Contains(userContent, "well past the budget") {
		t.Errorf("oversized chunk missing from prompt: %q", userContent)
	}
}

func TestSourceSnippetCutsOnRuneBoundary(t *testing.T) {
	// 100 three-byte runes; the 200-byte snippet limit lands mid-rune.
	content := strings.Repeat("世", 100)
	embedder := &stubEmbedder{vector: []float32{0.1}}
	retriever := &stubRetriever{results: []store.SearchResult{
		result(content, "Chapter 1", "Intro", 0.9),
	}}
	generator := &stubLLM{answer: "ok"}

	svc := newService(embedder, retriever, generator, testConfig())
	resp, err := svc.Answer(context.Background(), "What is this about?", answer.ModeBookWide, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Sources) != 1 {
		t.Fatalf("sources = %d, want 1", len(resp.Sources))
	}

	snippet := resp.Sources[0].Snippet
	if !utf8.ValidString(snippet) {
		t.Errorf("snippet is not valid UTF-8: %q", snippet)
	}
	if !strings.HasSuffix(snippet, "...") {
		t.Errorf("long snippet not truncated: %q", snippet)
	}
	if len(snippet) > 200+len("...") {
		t.Errorf("snippet length %d exceeds the limit", len(snippet))
	}
}

func TestAlignmentScore(t *testing.T) {
	ctxTexts := []string{"The chunker splits text into bounded units using sentence boundaries."}

	score, unmatched := answer.AlignmentScore("The chunker splits text into units.", ctxTexts)
	if score != 1.0 {
		t.Errorf("fully supported response scored %v, unmatched %v", score, unmatched)
	}

	score, unmatched = answer.AlignmentScore("Dolphins navigate through echolocation.", ctxTexts)
	if score != 0 {
		t.Errorf("unsupported response scored %v", score)
	}
	if len(unmatched) != 4 {
		t.Errorf("unmatched = %v", unmatched)
	}

	score, unmatched = answer.AlignmentScore(
		"Transformers use attention.",
		[]string{"Transformers rely on attention mechanisms."},
	)
	if score <= 0.6 {
		t.Errorf("partially supported response scored %v, unmatched %v", score, unmatched)
	}
	if len(unmatched) != 1 || unmatched[0] != "use" {
		t.Errorf("unmatched = %v, want [use]", unmatched)
	}

	// Stop words and punctuation do not count against alignment.
	score, _ = answer.AlignmentScore("It is the chunker that splits the text!", ctxTexts)
	if score != 1.0 {
		t.Errorf("stop words dragged the score to %v", score)
	}

	score, _ = answer.AlignmentScore("", ctxTexts)
	if score != 1.0 {
		t.Errorf("empty response scored %v, want 1", score)
	}
}
