package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fabfab/bookrag/answer"
	"github.com/fabfab/bookrag/chunk"
	"github.com/fabfab/bookrag/config"
	"github.com/fabfab/bookrag/crawl"
	"github.com/fabfab/bookrag/embeddings"
	"github.com/fabfab/bookrag/extract"
	"github.com/fabfab/bookrag/ingestion"
	"github.com/fabfab/bookrag/llm"
	"github.com/fabfab/bookrag/pipeline"
	"github.com/fabfab/bookrag/retry"
	"github.com/fabfab/bookrag/store"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("configuration: %v", err)
	}

	switch os.Args[1] {
	case "ingest":
		ingestCmd(cfg, logger, os.Args[2:])
	case "ingest-files":
		ingestFilesCmd(cfg, logger, os.Args[2:])
	case "ask":
		askCmd(cfg, logger, os.Args[2:])
	case "clear":
		clearCmd(cfg, logger, os.Args[2:])
	default:
		logger.Printf("unknown command: %s", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func ingestCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("ingest", flag.ExitOnError)
	book := flags.String("book", "default_book", "book identifier stored with every chunk")
	urlFile := flags.String("urls", "", "path to a file listing one page URL per line")
	recreate := flags.Bool("recreate", false, "drop and rebuild the collection before ingesting")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse ingest flags: %v", err)
	}

	requests, err := readPageRequests(*urlFile, flags.Args())
	if err != nil {
		logger.Fatalf("read urls: %v", err)
	}
	if len(requests) == 0 {
		logger.Fatalf("no URLs given: pass them as arguments or via -urls")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	orch, vectors := buildOrchestrator(ctx, cfg, logger, *book, *recreate)
	defer vectors.Close()

	logger.Printf("ingesting %d pages into book %q using %s/%s embeddings",
		len(requests), *book, strings.ToUpper(cfg.Embeddings.Provider), cfg.Embeddings.Model)

	report, err := orch.Run(ctx, requests)
	if report != nil {
		logger.Print(report.Summary())
	}
	if err != nil {
		logger.Fatalf("ingestion failed: %v", err)
	}
}

func ingestFilesCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("ingest-files", flag.ExitOnError)
	book := flags.String("book", "default_book", "book identifier stored with every chunk")
	dir := flags.String("dir", ".", "directory containing markdown or pdf documents")
	recreate := flags.Bool("recreate", false, "drop and rebuild the collection before ingesting")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse ingest-files flags: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	loader := ingestion.NewLoader(logger)
	sections, err := loader.LoadDir(*dir)
	if err != nil {
		logger.Fatalf("load documents: %v", err)
	}

	orch, vectors := buildOrchestrator(ctx, cfg, logger, *book, *recreate)
	defer vectors.Close()

	logger.Printf("ingesting %d sections from %s into book %q", len(sections), *dir, *book)

	report, err := orch.RunSections(ctx, sections)
	if report != nil {
		logger.Print(report.Summary())
	}
	if err != nil {
		logger.Fatalf("ingestion failed: %v", err)
	}
}

func askCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("ask", flag.ExitOnError)
	mode := flags.String("mode", string(answer.ModeBookWide), "answer mode: book-wide or selected-text")
	selectedText := flags.String("selected-text", "", "passage to answer from in selected-text mode")
	question := flags.String("question", "", "question to ask")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse ask flags: %v", err)
	}

	q := strings.TrimSpace(*question)
	if q == "" && flags.NArg() > 0 {
		q = strings.Join(flags.Args(), " ")
	}
	if q == "" {
		fmt.Print("Enter your question: ")
		scanner := bufio.NewScanner(os.Stdin)
		if scanner.Scan() {
			q = scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			logger.Fatalf("read question: %v", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	policy := buildPolicy(cfg)

	vectors, err := store.New(ctx, cfg, policy, logger)
	if err != nil {
		logger.Fatalf("vector store setup: %v", err)
	}
	defer vectors.Close()

	provider, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		logger.Fatalf("embedder setup: %v", err)
	}
	embedClient := embeddings.NewClient(provider, cfg.Embeddings.BatchSize, policy, logger)

	llmClient, err := llm.NewClient(cfg)
	if err != nil {
		logger.Fatalf("llm setup: %v", err)
	}

	svc := answer.NewService(embedClient, vectors, llmClient, policy, cfg.Answer, logger)

	resp, err := svc.AnswerStream(ctx, q, answer.Mode(*mode), *selectedText, func(part string) error {
		_, werr := fmt.Print(part)
		return werr
	})
	if err != nil {
		logger.Fatalf("answer failed: %v", err)
	}
	fmt.Println()
	if len(resp.Sources) > 0 {
		fmt.Println("\nSources:")
		for _, src := range resp.Sources {
			fmt.Printf("- %s / %s (score %.3f)\n", src.Chapter, src.Section, src.Score)
		}
	}
	if !resp.Validation.IsAligned {
		fmt.Printf("\nWarning: answer alignment %.2f is below the %.2f threshold for %s mode.\n",
			resp.Validation.AlignmentScore, resp.Validation.Threshold, resp.Mode)
	}
}

func clearCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("clear", flag.ExitOnError)
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse clear flags: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	policy := buildPolicy(cfg)

	vectors, err := store.New(ctx, cfg, policy, logger)
	if err != nil {
		logger.Fatalf("vector store setup: %v", err)
	}
	defer vectors.Close()

	if err := vectors.EnsureCollection(ctx, cfg.Embeddings.Dimension, cfg.Store.Distance, true); err != nil {
		logger.Fatalf("recreate collection: %v", err)
	}
	logger.Printf("collection %q recreated", cfg.Store.Collection)
}

func buildOrchestrator(ctx context.Context, cfg config.Config, logger *log.Logger, book string, recreate bool) (*pipeline.Orchestrator, store.VectorStore) {
	policy := buildPolicy(cfg)

	fetcher := crawl.NewFetcher(crawl.Options{
		Timeout:         cfg.Crawl.Timeout,
		UserAgent:       cfg.Crawl.UserAgent,
		MaxContentBytes: cfg.Crawl.MaxContentBytes,
		RequestDelay:    cfg.Crawl.RequestDelay,
		Policy:          policy,
	}, logger)

	provider, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		logger.Fatalf("embedder setup: %v", err)
	}
	embedClient := embeddings.NewClient(provider, cfg.Embeddings.BatchSize, policy, logger)

	vectors, err := store.New(ctx, cfg, policy, logger)
	if err != nil {
		logger.Fatalf("vector store setup: %v", err)
	}

	chunker := chunk.NewChunker(cfg.Chunking.MaxTokens, cfg.Chunking.OverlapTokens, cfg.Chunking.MinTokens)

	orch := pipeline.NewOrchestrator(fetcher, extract.NewExtractor(), chunker, embedClient, vectors, pipeline.Options{
		Book:          book,
		Strategy:      chunk.Strategy(cfg.Chunking.Strategy),
		MergeSmall:    true,
		MaxConcurrent: cfg.Crawl.MaxConcurrent,
		Budget:        cfg.Pipeline.Budget,
		Recreate:      recreate,
		Dimension:     cfg.Embeddings.Dimension,
		Distance:      cfg.Store.Distance,
	}, logger)

	return orch, vectors
}

func buildPolicy(cfg config.Config) retry.Policy {
	policy := retry.DefaultPolicy()
	if cfg.Crawl.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.Crawl.MaxAttempts
	}
	return policy
}

func readPageRequests(urlFile string, args []string) ([]pipeline.PageRequest, error) {
	urls := make([]string, 0, len(args))
	urls = append(urls, args...)

	if urlFile != "" {
		f, err := os.Open(urlFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			urls = append(urls, line)
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
	}

	requests := make([]pipeline.PageRequest, 0, len(urls))
	for _, u := range urls {
		requests = append(requests, pipeline.PageRequest{URL: u})
	}
	return requests, nil
}

func printUsage() {
	fmt.Println(`Usage: bookrag <command> [flags]

Commands:
  ingest        crawl page URLs and index their content
  ingest-files  index local markdown or pdf documents
  ask           answer a question from the indexed book
  clear         drop and recreate the vector collection`)
}
