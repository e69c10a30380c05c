package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rivalscope/rivalscope/internal/analysis"
	"github.com/rivalscope/rivalscope/internal/discovery"
	"github.com/rivalscope/rivalscope/internal/httpapi"
	"github.com/rivalscope/rivalscope/internal/llm"
	"github.com/rivalscope/rivalscope/internal/pipeline"
)

func main() {
	dbFlag := flag.String("db", "", "path to SQLite database file (overrides DB_PATH env var)")
	addrFlag := flag.String("addr", "", "listen address (overrides PORT env var)")
	maxConcurrent := flag.Int64("max-concurrent", 4, "max simultaneous external calls per stage")
	flag.Parse()

	addr := *addrFlag
	if addr == "" {
		addr = ":8080"
		if port := os.Getenv("PORT"); port != "" {
			addr = ":" + port
		}
	}
	dbPath := *dbFlag
	if dbPath == "" {
		dbPath = os.Getenv("DB_PATH")
	}
	if dbPath == "" {
		dbPath = "./data/rivalscope.db"
	}

	requiredEnv("ANTHROPIC_API_KEY")

	store, err := analysis.NewStore(dbPath)
	if err != nil {
		log.Fatalf("failed to initialize sqlite store (%s): %v", dbPath, err)
	}
	defer store.Close()
	log.Printf("rivalscope store path=%s", dbPath)

	caller, err := llm.NewAnthropicCallerFromEnv()
	if err != nil {
		log.Fatal(err)
	}
	completer := llm.NewCompleter(caller, llm.CompleterConfig{})

	// Discovery is optional: without a search key the pipeline runs
	// user-app-only.
	var searcher pipeline.Searcher
	if strings.TrimSpace(os.Getenv("SEARCH_API_KEY")) != "" {
		client, err := discovery.NewClientFromEnv()
		if err != nil {
			log.Fatal(err)
		}
		searcher = client
	} else {
		log.Printf("rivalscope discovery disabled (SEARCH_API_KEY not set)")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pipe := pipeline.New(store, completer, searcher, pipeline.Config{MaxConcurrent: *maxConcurrent})
	runner := pipeline.NewRunner(ctx, pipe)

	server := &http.Server{
		Addr:    addr,
		Handler: httpapi.NewServer(store, runner, caller),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("rivalscope listening on %s (model=%s)", addr, caller.ModelName())
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	runner.Wait()
}

func requiredEnv(key string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		log.Fatalf("missing required env var %s", key)
	}
	return v
}
