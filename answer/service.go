// Package answer turns a user question into a grounded response: retrieve
// context (or take it from a selected passage), prompt the LLM, and score
// how much of the reply the context actually supports.
package answer

import (
	"context"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/fabfab/bookrag/config"
	"github.com/fabfab/bookrag/llm"
	"github.com/fabfab/bookrag/retry"
	"github.com/fabfab/bookrag/store"
)

const snippetLimit = 200

// QueryEmbedder embeds a single query string for similarity search.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Retriever is the slice of the vector store the answer flow needs.
type Retriever interface {
	Search(ctx context.Context, vector []float32, topK int, scoreThreshold float32, filter store.Filter) ([]store.SearchResult, error)
}

type Service struct {
	embedder  QueryEmbedder
	retriever Retriever
	llm       llm.Client
	policy    retry.Policy
	cfg       config.AnswerConfig
	logger    *log.Logger
}

func NewService(embedder QueryEmbedder, retriever Retriever, llmClient llm.Client, policy retry.Policy, cfg config.AnswerConfig, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = 8000
	}
	if cfg.SelectedTextThreshold <= 0 {
		cfg.SelectedTextThreshold = 0.8
	}
	if cfg.BookWideThreshold <= 0 {
		cfg.BookWideThreshold = 0.6
	}

	return &Service{
		embedder:  embedder,
		retriever: retriever,
		llm:       llmClient,
		policy:    policy,
		cfg:       cfg,
		logger:    logger,
	}
}

// Answer resolves a question in the requested mode. Selected-text mode
// never performs a vector search; its context is exactly the passage the
// caller highlighted. A run with no usable context returns the fixed
// fallback message without calling the LLM at all.
func (s *Service) Answer(ctx context.Context, query string, mode Mode, selectedText string) (Response, error) {
	return s.answer(ctx, query, mode, selectedText, nil)
}

// AnswerStream behaves like Answer while forwarding LLM output to streamFn
// as it arrives. When the client cannot stream, streamFn receives the whole
// answer once. Fallback messages are delivered through streamFn too.
func (s *Service) AnswerStream(ctx context.Context, query string, mode Mode, selectedText string, streamFn func(string) error) (Response, error) {
	if streamFn == nil {
		return s.answer(ctx, query, mode, selectedText, nil)
	}
	return s.answer(ctx, query, mode, selectedText, streamFn)
}

func (s *Service) answer(ctx context.Context, query string, mode Mode, selectedText string, streamFn func(string) error) (Response, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Response{}, fmt.Errorf("query cannot be empty")
	}
	if s.llm == nil {
		return Response{}, fmt.Errorf("llm client is not configured")
	}

	var (
		chunks []store.SearchResult
		err    error
	)
	switch mode {
	case ModeSelectedText:
		chunks = selectedChunk(selectedText)
	case ModeBookWide:
		chunks, err = s.retrieve(ctx, query)
		if err != nil {
			return Response{}, err
		}
	default:
		return Response{}, fmt.Errorf("unknown answer mode: %q", mode)
	}

	contextText, used := assembleContext(chunks, s.cfg.MaxContextChars)
	if contextText == "" {
		s.logger.Printf("no usable context for query in %s mode, returning fallback", mode)
		resp := s.fallback(mode)
		if streamFn != nil {
			if err := streamFn(resp.Answer); err != nil {
				return Response{}, err
			}
		}
		return resp, nil
	}

	messages := buildMessages(query, contextText, mode)

	generated, err := s.generate(ctx, messages, streamFn)
	if err != nil {
		return Response{}, fmt.Errorf("llm generate: %w", err)
	}
	generated = strings.TrimSpace(generated)

	verdict := s.validate(generated, used, mode)
	if !verdict.IsAligned {
		s.logger.Printf("answer alignment %.2f below %s threshold %.2f, flagging response",
			verdict.AlignmentScore, mode, verdict.Threshold)
	}

	return Response{
		Answer:     generated,
		Mode:       mode,
		Sources:    buildSources(used, mode),
		Validation: verdict,
	}, nil
}

// generate calls the LLM, streaming when both sides support it. Streamed
// calls are not retried: chunks already forwarded cannot be taken back.
func (s *Service) generate(ctx context.Context, messages []llm.Message, streamFn func(string) error) (string, error) {
	if streamFn != nil {
		if streamer, ok := s.llm.(llm.StreamClient); ok {
			var builder strings.Builder
			err := streamer.GenerateStream(ctx, messages, func(part string) error {
				if part == "" {
					return nil
				}
				builder.WriteString(part)
				return streamFn(part)
			})
			if err != nil {
				return "", err
			}
			return builder.String(), nil
		}
	}

	var generated string
	err := s.policy.Do(ctx, func() error {
		var callErr error
		generated, callErr = s.llm.Generate(ctx, messages)
		return callErr
	})
	if err != nil {
		return "", err
	}
	if streamFn != nil {
		if err := streamFn(generated); err != nil {
			return "", err
		}
	}
	return generated, nil
}

func (s *Service) retrieve(ctx context.Context, query string) ([]store.SearchResult, error) {
	if s.embedder == nil {
		return nil, fmt.Errorf("embedder is not configured")
	}
	if s.retriever == nil {
		return nil, fmt.Errorf("vector store is not configured")
	}

	vector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	chunks, err := s.retriever.Search(ctx, vector, s.cfg.TopK, s.cfg.ScoreThreshold, store.Filter{})
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return chunks, nil
}

func (s *Service) fallback(mode Mode) Response {
	message := noCoverageMessage
	if mode == ModeSelectedText {
		message = InsufficientContextMessage
	}
	return Response{
		Answer: message,
		Mode:   mode,
		Validation: Validation{
			AlignmentScore: 1.0,
			Threshold:      s.threshold(mode),
			IsAligned:      true,
		},
	}
}

func (s *Service) threshold(mode Mode) float64 {
	if mode == ModeSelectedText {
		return s.cfg.SelectedTextThreshold
	}
	return s.cfg.BookWideThreshold
}

func (s *Service) validate(generated string, used []store.SearchResult, mode Mode) Validation {
	contexts := make([]string, 0, len(used))
	for i := range used {
		contexts = append(contexts, used[i].Payload.Content)
	}

	score, unmatched := AlignmentScore(generated, contexts)
	threshold := s.threshold(mode)

	return Validation{
		AlignmentScore:  score,
		Threshold:       threshold,
		IsAligned:       score >= threshold,
		UnmatchedTokens: unmatched,
	}
}

// selectedChunk wraps the highlighted passage as the single synthetic
// context chunk. Blank passages yield no context.
func selectedChunk(selectedText string) []store.SearchResult {
	selectedText = strings.TrimSpace(selectedText)
	if selectedText == "" {
		return nil
	}
	return []store.SearchResult{{
		ID:    "selected-text",
		Score: 1.0,
		Payload: store.Payload{
			Content: selectedText,
			Chapter: "Selected Text",
			Section: "Selected Text",
		},
	}}
}

// assembleContext concatenates chunk contents in the given order until the
// next chunk would push the total past maxChars. A chunk is taken whole or
// not at all, with one deliberate exception: the first non-empty chunk is
// always admitted even when it alone exceeds the budget. Without it a long
// selected-text passage could never reach the model and every such question
// would hit the no-context fallback. Returns the joined text and the chunks
// that made it in.
func assembleContext(chunks []store.SearchResult, maxChars int) (string, []store.SearchResult) {
	var (
		parts []string
		used  []store.SearchResult
		total int
	)
	for i := range chunks {
		content := strings.TrimSpace(chunks[i].Payload.Content)
		if content == "" {
			continue
		}
		if total > 0 && total+len(content) > maxChars {
			break
		}
		parts = append(parts, content)
		used = append(used, chunks[i])
		total += len(content)
	}
	return strings.Join(parts, "\n\n"), used
}

func buildMessages(query, contextText string, mode Mode) []llm.Message {
	return []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt(mode)},
		{Role: llm.RoleUser, Content: userPrompt(query, contextText, mode)},
	}
}

func systemPrompt(mode Mode) string {
	if mode == ModeSelectedText {
		return "You answer questions using ONLY the selected text the user provides. " +
			"Never draw on outside knowledge. If the selected text does not contain the answer, reply exactly: \"" +
			InsufficientContextMessage + "\""
	}
	return "You answer questions using ONLY the provided excerpts from a book. " +
		"Never draw on outside knowledge. If the excerpts do not contain the answer, reply exactly: \"" +
		noCoverageMessage + "\" Be concise and cite chapter and section when possible."
}

func userPrompt(query, contextText string, mode Mode) string {
	var sb strings.Builder
	if mode == ModeSelectedText {
		sb.WriteString("Selected text:\n")
	} else {
		sb.WriteString("Context:\n")
	}
	sb.WriteString(contextText)
	sb.WriteString("\n\nQuestion: ")
	sb.WriteString(query)
	sb.WriteString("\n\nAnswer:")
	return sb.String()
}

func buildSources(used []store.SearchResult, mode Mode) []Source {
	if mode == ModeSelectedText {
		// The caller already has the passage; citing it back adds nothing.
		return nil
	}

	sources := make([]Source, 0, len(used))
	for i := range used {
		payload := used[i].Payload
		snippet := strings.TrimSpace(payload.Content)
		if len(snippet) > snippetLimit {
			// Back up to a rune boundary so the cut never splits a
			// multi-byte sequence.
			cut := snippetLimit
			for cut > 0 && !utf8.RuneStart(snippet[cut]) {
				cut--
			}
			snippet = snippet[:cut] + "..."
		}
		sources = append(sources, Source{
			Chapter: payload.Chapter,
			Section: payload.Section,
			Snippet: snippet,
			Score:   used[i].Score,
		})
	}
	return sources
}
