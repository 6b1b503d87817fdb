// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianComply/services/compliance_engine"
	"github.com/AleutianAI/AleutianComply/services/llm"
	"github.com/AleutianAI/AleutianComply/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianComply/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianComply/services/orchestrator/routes"
	badgerstore "github.com/AleutianAI/AleutianComply/services/orchestrator/storage/badger"

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
		otelEndpoint = "comply-otel-collector:4317"
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
		resource.WithAttributes(semconv.ServiceNameKey.String("comply-orchestrator")))
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

// openHistory opens the audit history store. Returns nil (history disabled)
// when COMPLY_DATA_DIR is unset; persistence is opt-in.
func openHistory() (*badgerstore.HistoryStore, func()) {
	dataDir := os.Getenv("COMPLY_DATA_DIR")
	if dataDir == "" {
		slog.Info("COMPLY_DATA_DIR not set, analysis audit history disabled")
		return nil, func() {}
	}

	cfg := badgerstore.DefaultConfig()
	cfg.Path = dataDir
	db, err := badgerstore.OpenDB(cfg)
	if err != nil {
		log.Fatalf("Failed to open history database at %s: %v", dataDir, err)
	}
	slog.Info("Analysis audit history enabled", "path", dataDir)
	return badgerstore.NewHistoryStore(db), func() {
		if err := db.Close(); err != nil {
			slog.Error("Failed to close history database", "error", err)
		}
	}
}

func main() {
	port := os.Getenv("COMPLY_PORT")
	if port == "" {
		port = "12310"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// --- Init the tracer ---
	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	observability.InitMetrics()

	// --- Policy set, with hot reload of the override file ---
	policyProvider, err := compliance_engine.NewPolicyProvider(os.Getenv("COMPLY_POLICY_FILE"))
	if err != nil {
		log.Fatalf("FATAL: Could not load the policy set: %v", err)
	}
	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	go func() {
		if err := policyProvider.Watch(watchCtx); err != nil && watchCtx.Err() == nil {
			slog.Error("Policy watcher stopped", "error", err)
		}
	}()

	log.Println("Configuring the LLM Client")
	llmClient, err := llm.NewClientFromEnv()
	if err != nil {
		log.Fatalf("Failed to initialize LLM client: %v", err)
	}

	// The analyzer binds the policy set present at startup; the watcher
	// keeps the provider fresh for /v1/policies and future restarts.
	analyzer, err := compliance_engine.NewAnalyzer(llmClient, policyProvider.Current())
	if err != nil {
		log.Fatalf("Failed to initialize the analyzer: %v", err)
	}

	history, closeHistory := openHistory()
	defer closeHistory()

	handler := handlers.NewAnalysisHandler(
		analyzer,
		compliance_engine.NewSessionStore(),
		history,
		policyProvider.Current,
	)

	router := gin.Default()
	router.Use(otelgin.Middleware("comply-orchestrator"))
	routes.SetupRoutes(router, handler)

	log.Println("Starting the comply orchestrator on port ", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
