// Copyright (C) 2026 Auklet AI (dev@auklet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"log"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/auklet-ai/auklet/services/chatd/handlers"
	"github.com/auklet-ai/auklet/services/chatd/observability"
	"github.com/auklet-ai/auklet/services/chatd/retrieval"
	"github.com/auklet-ai/auklet/services/chatd/routes"
	"github.com/auklet-ai/auklet/services/chatd/session"
	"github.com/auklet-ai/auklet/services/chatd/store"
	"github.com/auklet-ai/auklet/services/llm"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "auklet-otel-collector:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("chatd-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// envInt reads an integer env var, falling back on absence or garbage.
func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		slog.Warn("invalid integer env var, using default", "name", name, "value", raw, "default", fallback)
		return fallback
	}
	return v
}

// buildAugmenter wires the Weaviate retrieval client when an endpoint is
// configured, or the noop augmenter for lightweight deployments.
func buildAugmenter() retrieval.Augmenter {
	weaviateURL := os.Getenv("WEAVIATE_SERVICE_URL")
	// Sanitize: Trim quotes and whitespace just in case Podman passes them literally
	weaviateURL = strings.Trim(weaviateURL, "\"' ")

	if weaviateURL == "" || !strings.Contains(weaviateURL, "http") {
		slog.Info("WEAVIATE_SERVICE_URL not set or empty. Running in lightweight mode (Chat Only).")
		return retrieval.NoopAugmenter{}
	}

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		slog.Warn("WEAVIATE_SERVICE_URL is invalid. Running in lightweight mode.",
			"url", weaviateURL, "error", err)
		return retrieval.NoopAugmenter{}
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		slog.Error("Failed to create Weaviate client, running in lightweight mode", "error", err)
		return retrieval.NoopAugmenter{}
	}

	limit := envInt("RETRIEVAL_CHUNK_LIMIT", retrieval.DefaultLimit)
	return retrieval.NewWeaviateAugmenter(client, limit)
}

func main() {
	port := os.Getenv("CHATD_PORT")
	if port == "" {
		port = "12220"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// --- Init the tracer ---
	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	dataDir := os.Getenv("CHATD_DATA_DIR")
	if dataDir == "" {
		dataDir = "/data/chatd"
	}
	storeCfg := store.DefaultConfig()
	storeCfg.Path = dataDir
	turnStore, err := store.Open(storeCfg)
	if err != nil {
		log.Fatalf("FATAL: Could not open the turn store at %s: %v", dataDir, err)
	}
	defer turnStore.Close()

	maxPairs := envInt("CHAT_MAX_HISTORY_PAIRS", session.DefaultMaxPairs)
	registry := session.NewRegistry(turnStore, maxPairs)

	evictor := session.NewEvictor(registry, 0, 0) // defaults
	evictor.Start()
	defer evictor.Stop()

	log.Println("Configuring the LLM Client")
	var llmClient llm.LLMClient
	llmBackendType := os.Getenv("LLM_BACKEND_TYPE")
	modelLabel := llmBackendType

	switch llmBackendType {
	case "openai":
		llmClient, err = llm.NewOpenAIClient()
		slog.Info("Using OpenAI LLM backend")
	case "ollama":
		llmClient, err = llm.NewOllamaClient()
		slog.Info("Using Ollama LLM backend")
	default:
		slog.Warn("LLM_BACKEND_TYPE not set or invalid, defaulting to ollama")
		llmClient, err = llm.NewOllamaClient()
		modelLabel = "ollama"
	}
	if err != nil {
		log.Fatalf("Failed to initialize LLM client: %v", err)
	}

	metrics := observability.InitMetrics()

	chatHandler := handlers.NewStreamingChatHandler(handlers.Config{
		LLMClient:     llmClient,
		Registry:      registry,
		Augmenter:     buildAugmenter(),
		Metrics:       metrics,
		SystemPrompt:  os.Getenv("CHAT_SYSTEM_PROMPT"),
		ModelLabel:    modelLabel,
		RelayCapacity: envInt("CHAT_RELAY_CAPACITY", 0),
		GenParams:     llm.DefaultGenerationParams(),
	})

	router := gin.Default()
	router.Use(otelgin.Middleware("chatd-service"))

	routes.SetupRoutes(router, routes.Handlers{
		Chat:          chatHandler,
		Conversations: handlers.NewConversationHandler(turnStore),
	})
	log.Println("started up the container")

	log.Println("Starting the chatd server on port ", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
