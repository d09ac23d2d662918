package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"

	"selfrag/internal/agent"
	"selfrag/internal/chunker"
	"selfrag/internal/config"
	"selfrag/internal/domain"
	"selfrag/internal/embedding"
	"selfrag/internal/embedding/openai"
	"selfrag/internal/embedding/tfidf"
	"selfrag/internal/llm"
	"selfrag/internal/metrics"
	"selfrag/internal/pipeline"
	"selfrag/internal/retriever"
	"selfrag/internal/service"
	"selfrag/internal/summarizer"
	"selfrag/internal/tui"
	"selfrag/internal/vectorstore"
	"selfrag/internal/vectorstore/memory"
	"selfrag/internal/vectorstore/qdrant"
)

const usage = `Usage: selfrag [--config=config.yaml] <command> [args]

Commands:
  ask <question> [file.txt|glob ...]   answer one question over the documents
  interactive [file.txt|glob ...]      interactive question answering
  summarize <file.txt|glob ...>        summarize the documents
  metrics                              print aggregate query metrics

When no documents are given, ask and interactive reuse the index snapshot
saved by a previous run (vector_store.snapshot_path).
`

func main() {
	_ = godotenv.Load()

	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "Path to YAML config file (optional; uses ~/.config/selfrag/config.yaml if not provided)")
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		fmt.Print(usage)
		os.Exit(1)
	}
	command := args[0]
	args = args[1:]

	var cfg *config.AppConfig
	var err error
	if cfgPath == "" {
		cfg, _, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(cfgPath)
	}
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := newLogger(command == "interactive")

	switch command {
	case "ask":
		if len(args) < 1 {
			fmt.Print(usage)
			os.Exit(1)
		}
		runAsk(cfg, logger, args[0], args[1:])
	case "interactive":
		runInteractive(cfg, logger, args)
	case "summarize":
		if len(args) < 1 {
			fmt.Print(usage)
			os.Exit(1)
		}
		runSummarize(cfg, logger, args)
	case "metrics":
		runMetrics(cfg)
	default:
		fmt.Print(usage)
		os.Exit(1)
	}
}

// newLogger writes to stderr, or to a log file when the terminal is taken
// over by the TUI.
func newLogger(toFile bool) *slog.Logger {
	if toFile {
		path := filepath.Join("logs", "selfrag.log")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err == nil {
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
				return slog.New(slog.NewTextHandler(f, nil))
			}
		}
	}
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func buildPipeline(cfg *config.AppConfig, logger *slog.Logger, paths []string) (*pipeline.Pipeline, string, error) {
	emb := buildEmbedder(cfg)
	store := buildStore(cfg)

	ingestor := service.NewIngestor(buildChunker(cfg), emb, store, buildSummarizer(cfg), cfg.Summarizer.MaxSentences, logger)
	var summary string
	var err error
	if len(paths) == 0 {
		if cfg.VectorStore.SnapshotPath == "" {
			return nil, "", fmt.Errorf("no documents given and no snapshot_path configured")
		}
		summary, err = ingestor.LoadIndex(cfg.VectorStore.SnapshotPath)
		if err != nil {
			return nil, "", err
		}
	} else {
		summary, err = ingestor.IngestDocuments(paths)
		if err != nil {
			return nil, "", err
		}
		if cfg.VectorStore.Type == "memory" && cfg.VectorStore.SnapshotPath != "" {
			if ms, ok := store.(*memory.Storage); ok {
				if err := ms.Save(cfg.VectorStore.SnapshotPath); err != nil {
					logger.Warn("saving index snapshot", "error", err)
				}
			}
		}
	}

	client, err := llm.NewClient(llm.Config{
		BaseURL:   cfg.API.BaseURL,
		APIKeyEnv: cfg.API.APIKeyEnv,
		Timeout:   time.Duration(cfg.API.TimeoutSecs) * time.Second,
	})
	if err != nil {
		return nil, "", err
	}

	guardrail := agent.NewGuardrail(client, modelParams(cfg.Models.Guardrail), *cfg.RAG.ParallelGuardrail, logger)
	generator := agent.NewGenerator(client, modelParams(cfg.Models.Generate), logger)
	evaluator := agent.NewEvaluator(client, modelParams(cfg.Models.Evaluate), logger)
	collector := metrics.NewCollector(*cfg.Metrics.Enabled, cfg.Metrics.File, logger)
	retr := retriever.New(emb, store, ingestor.Chunks(), logger)

	pipe, err := pipeline.New(retr, guardrail, generator, evaluator, collector, pipeline.Options{
		MaxAttempts:        cfg.RAG.MaxAttempts,
		MinAcceptableScore: cfg.RAG.MinAcceptableScore,
		FilterEnabled:      *cfg.RAG.GuardrailEnabled,
		TopK:               cfg.RAG.TopK,
		MaxContextChars:    cfg.RAG.MaxContextChars,
		MaxQuestionLength:  cfg.Security.MaxQueryLength,
	}, logger)
	if err != nil {
		return nil, "", err
	}
	return pipe, summary, nil
}

func runAsk(cfg *config.AppConfig, logger *slog.Logger, question string, paths []string) {
	pipe, _, err := buildPipeline(cfg, logger, paths)
	if err != nil {
		log.Fatalf("setup failed: %v", err)
	}
	res, err := pipe.Run(context.Background(), question, nil)
	if err != nil {
		log.Fatalf("query failed: %v", err)
	}
	printResult(res)
}

func runInteractive(cfg *config.AppConfig, logger *slog.Logger, paths []string) {
	pipe, summary, err := buildPipeline(cfg, logger, paths)
	if err != nil {
		log.Fatalf("setup failed: %v", err)
	}
	ask := func(ctx context.Context, question string) (domain.Result, error) {
		return pipe.Run(ctx, question, nil)
	}
	p := tea.NewProgram(tui.New(ask, summary), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Fatalf("tui failed: %v", err)
	}
}

func runSummarize(cfg *config.AppConfig, logger *slog.Logger, paths []string) {
	emb := buildEmbedder(cfg)
	store := buildStore(cfg)
	ingestor := service.NewIngestor(buildChunker(cfg), emb, store, buildSummarizer(cfg), cfg.Summarizer.MaxSentences, logger)
	summary, err := ingestor.IngestDocuments(paths)
	if err != nil {
		log.Fatalf("summarize failed: %v", err)
	}
	fmt.Println(summary)
}

func runMetrics(cfg *config.AppConfig) {
	if cfg.Metrics.File == "" {
		log.Fatal("metrics file not configured")
	}
	records, err := metrics.LoadRecords(cfg.Metrics.File)
	if err != nil {
		log.Fatalf("loading metrics: %v", err)
	}
	agg := metrics.AggregateRecords(records)
	fmt.Printf("Total queries:   %d\n", agg.TotalQueries)
	fmt.Printf("Successful:      %d\n", agg.SuccessfulQueries)
	fmt.Printf("Failed:          %d\n", agg.FailedQueries)
	fmt.Printf("Success rate:    %.1f%%\n", agg.SuccessRate*100)
	fmt.Printf("Avg latency:     %.0fms (min %.0f, max %.0f)\n", agg.AvgLatencyMs, agg.MinLatencyMs, agg.MaxLatencyMs)
	fmt.Printf("Avg score:       %.2f/5\n", agg.AvgScore)
	fmt.Printf("Score dist:      %v\n", agg.ScoreDistribution)
	fmt.Printf("Avg attempts:    %.2f\n", agg.AvgAttempts)
	fmt.Printf("Filter rejects:  %.1f%%\n", agg.AvgRejectionRate*100)
}

func printResult(res domain.Result) {
	fmt.Println(res.Answer)
	fmt.Println()
	fmt.Printf("score:      %d/5 (supported=%v)\n", res.Evaluation.Score, res.Evaluation.Supported)
	fmt.Printf("attempts:   %d\n", res.Attempts)
	fmt.Printf("documents:  %d/%d used\n", res.DocumentsUsed, res.DocumentsRetrieved)
	fmt.Printf("latency:    %s\n", res.Latencies.Total.Round(time.Millisecond))
	if res.Evaluation.Justification != "" {
		fmt.Printf("verdict:    %s\n", res.Evaluation.Justification)
	}
	if !res.Success {
		fmt.Println("note: answer did not reach the acceptance threshold")
	}
}

func modelParams(m config.ModelConfig) agent.ModelParams {
	return agent.ModelParams{Name: m.Name, Temperature: m.Temperature, MaxTokens: m.MaxTokens}
}

func buildEmbedder(cfg *config.AppConfig) embedding.Embedder {
	switch cfg.Embedder.Type {
	case "tfidf", "":
		return tfidf.NewEmbedder()
	case "openai":
		if cfg.Embedder.OpenAI == nil {
			log.Fatal("openai embedder config missing")
		}
		client, err := openai.NewClient(openai.Config{
			BaseURL:   cfg.Embedder.OpenAI.BaseURL,
			APIKeyEnv: cfg.Embedder.OpenAI.APIKeyEnv,
			Model:     cfg.Embedder.OpenAI.Model,
			Timeout:   time.Duration(cfg.Embedder.OpenAI.TimeoutSecs) * time.Second,
		})
		if err != nil {
			log.Fatalf("openai embedder init failed: %v", err)
		}
		return client
	default:
		log.Fatalf("unknown embedder: %s", cfg.Embedder.Type)
	}
	return nil
}

func buildChunker(cfg *config.AppConfig) domain.Chunker {
	switch cfg.Chunker.Type {
	case "sentence", "":
		return chunker.NewSentenceChunker(cfg.Chunker.SentencesPerChunk, cfg.Chunker.OverlapSentences)
	default:
		log.Fatalf("unknown chunker: %s", cfg.Chunker.Type)
	}
	return nil
}

func buildStore(cfg *config.AppConfig) vectorstore.Storage {
	switch cfg.VectorStore.Type {
	case "memory", "":
		return memory.NewStorage()
	case "qdrant":
		if cfg.VectorStore.Qdrant == nil {
			log.Fatal("qdrant config missing")
		}
		return qdrant.NewStorage(qdrant.Config{
			URL:        cfg.VectorStore.Qdrant.URL,
			APIKey:     cfg.VectorStore.Qdrant.APIKey,
			Collection: cfg.VectorStore.Qdrant.Collection,
			Timeout:    time.Duration(cfg.VectorStore.Qdrant.TimeoutSecs) * time.Second,
		})
	default:
		log.Fatalf("unknown vector store: %s", cfg.VectorStore.Type)
	}
	return nil
}

func buildSummarizer(cfg *config.AppConfig) domain.Summarizer {
	switch cfg.Summarizer.Type {
	case "frequency", "":
		return summarizer.NewFrequencySummarizer()
	default:
		log.Fatalf("unknown summarizer: %s", cfg.Summarizer.Type)
	}
	return nil
}
