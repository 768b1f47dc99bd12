package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/fabfab/bookrag/chunk"
)

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

const (
	BackendQdrant   = "qdrant"
	BackendPgvector = "pgvector"
)

type EmbeddingsConfig struct {
	Provider  string
	Model     string
	Dimension int
	BatchSize int
}

type LLMConfig struct {
	Provider string
	Model    string
}

type ChunkingConfig struct {
	Strategy      string
	MaxTokens     int
	OverlapTokens int
	MinTokens     int
}

type StoreConfig struct {
	Backend     string
	Collection  string
	QdrantAddr  string
	PostgresDSN string
	Distance    string
	BatchSize   int
}

type CrawlConfig struct {
	Timeout         time.Duration
	MaxAttempts     int
	RequestDelay    time.Duration
	MaxConcurrent   int
	UserAgent       string
	MaxContentBytes int64
}

type AnswerConfig struct {
	TopK                  int
	ScoreThreshold        float32
	MaxContextChars       int
	SelectedTextThreshold float64
	BookWideThreshold     float64
}

type PipelineConfig struct {
	Budget time.Duration
}

type Config struct {
	Embeddings EmbeddingsConfig
	LLM        LLMConfig
	Chunking   ChunkingConfig
	Store      StoreConfig
	Crawl      CrawlConfig
	Answer     AnswerConfig
	Pipeline   PipelineConfig

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

// Load reads configuration from a .env file (when present) and the
// environment, falling back to defaults that work against local services.
func Load() Config {
	// Missing .env is fine; explicit environment always wins.
	_ = godotenv.Load()

	return Config{
		Embeddings: EmbeddingsConfig{
			Provider:  getEnv("EMBEDDINGS_PROVIDER", ProviderOpenAI),
			Model:     getEnv("EMBEDDINGS_MODEL", "text-embedding-3-small"),
			Dimension: getEnvInt("EMBEDDINGS_DIMENSION", 1536),
			BatchSize: getEnvInt("EMBEDDINGS_BATCH_SIZE", 96),
		},
		LLM: LLMConfig{
			Provider: getEnv("LLM_PROVIDER", ProviderOpenAI),
			Model:    getEnv("LLM_MODEL", "gpt-4o-mini"),
		},
		Chunking: ChunkingConfig{
			Strategy:      getEnv("CHUNK_STRATEGY", "size"),
			MaxTokens:     getEnvInt("CHUNK_MAX_TOKENS", 350),
			OverlapTokens: getEnvInt("CHUNK_OVERLAP_TOKENS", 50),
			MinTokens:     getEnvInt("CHUNK_MIN_TOKENS", 10),
		},
		Store: StoreConfig{
			Backend:     getEnv("STORE_BACKEND", BackendQdrant),
			Collection:  getEnv("STORE_COLLECTION", "book_embeddings"),
			QdrantAddr:  getEnv("QDRANT_ADDR", "localhost:6334"),
			PostgresDSN: getEnv("POSTGRES_DSN", "postgres://localhost:5432/bookrag?sslmode=disable"),
			Distance:    getEnv("STORE_DISTANCE", "cosine"),
			BatchSize:   getEnvInt("STORE_BATCH_SIZE", 64),
		},
		Crawl: CrawlConfig{
			Timeout:         getEnvDuration("CRAWL_TIMEOUT", 30*time.Second),
			MaxAttempts:     getEnvInt("CRAWL_MAX_ATTEMPTS", 3),
			RequestDelay:    getEnvDuration("CRAWL_REQUEST_DELAY", 500*time.Millisecond),
			MaxConcurrent:   getEnvInt("CRAWL_MAX_CONCURRENT", 5),
			UserAgent:       getEnv("CRAWL_USER_AGENT", "bookrag/1.0"),
			MaxContentBytes: int64(getEnvInt("CRAWL_MAX_CONTENT_BYTES", 10<<20)),
		},
		Answer: AnswerConfig{
			TopK:                  getEnvInt("ANSWER_TOP_K", 5),
			ScoreThreshold:        float32(getEnvFloat("ANSWER_SCORE_THRESHOLD", 0)),
			MaxContextChars:       getEnvInt("ANSWER_MAX_CONTEXT_CHARS", 8000),
			SelectedTextThreshold: getEnvFloat("ANSWER_SELECTED_TEXT_THRESHOLD", 0.8),
			BookWideThreshold:     getEnvFloat("ANSWER_BOOK_WIDE_THRESHOLD", 0.6),
		},
		Pipeline: PipelineConfig{
			Budget: getEnvDuration("PIPELINE_BUDGET", 30*time.Minute),
		},

		OllamaHost:    getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
	}
}

// Validate reports configuration combinations that cannot work at all;
// per-call problems surface later from the components themselves.
func (c Config) Validate() error {
	switch c.Embeddings.Provider {
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("openai embeddings provider selected but OPENAI_API_KEY not set")
		}
	case ProviderOllama:
	default:
		return fmt.Errorf("unknown embeddings provider: %s", c.Embeddings.Provider)
	}

	switch c.Store.Backend {
	case BackendQdrant, BackendPgvector:
	default:
		return fmt.Errorf("unknown store backend: %s", c.Store.Backend)
	}

	switch chunk.Strategy(c.Chunking.Strategy) {
	case chunk.StrategySize, chunk.StrategyParagraph, chunk.StrategyHeading:
	default:
		return fmt.Errorf("unknown chunk strategy: %s", c.Chunking.Strategy)
	}

	if c.Embeddings.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.Embeddings.Dimension)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
