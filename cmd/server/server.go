package main

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/breed-api/internal/catalog"
	"github.com/Brownie44l1/breed-api/internal/config"
	"github.com/Brownie44l1/breed-api/internal/handlers"
	"github.com/Brownie44l1/breed-api/internal/inference"
	"github.com/Brownie44l1/breed-api/internal/model"
	"github.com/Brownie44l1/breed-api/internal/preprocess"
	"github.com/Brownie44l1/breed-api/internal/storage"
	"github.com/Brownie44l1/breed-api/internal/store"
)

type Server struct {
	classifier *model.ONNXClassifier
	mongo      *store.Mongo
	http       *httpServer
	logger     *slog.Logger
}

// NewServer loads the model and connects the optional backends. Only a model
// failure is fatal; the document store and blob storage degrade to disabled.
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	classifier, err := model.Load(&cfg.Model, logger)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}

	var undo cleanup
	undo.add("model", func(context.Context) error { return classifier.Close() })

	var (
		mongo *store.Mongo
		blob  *storage.Blob
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m, err := store.Connect(gctx, &cfg.Store, logger)
		if err != nil {
			logger.Warn("document store unavailable, running without it", "error", err)
			return nil
		}
		mongo = m
		return nil
	})
	if cfg.Storage.Enabled() {
		g.Go(func() error {
			b, err := storage.New(&cfg.Storage, logger)
			if err == nil {
				err = b.Start(gctx)
			}
			if err != nil {
				logger.Warn("blob storage unavailable, images will not be kept", "error", err)
				return nil
			}
			blob = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		undo.run(context.Background(), logger)
		return nil, err
	}
	if mongo != nil {
		undo.add("document store", mongo.Close)
	}

	var source catalog.Source
	if mongo != nil {
		source = mongo
	}
	breeds := catalog.Load(ctx, source, logger)

	size := classifier.Metadata().ImageSize
	if size == 0 {
		size = cfg.Inference.ImageSize
	}
	engine, err := inference.New(
		classifier,
		preprocess.New(size, preprocess.WithMaxPixels(cfg.Inference.MaxPixels)),
		breeds,
		inference.Config{
			TopK:    cfg.Inference.TopK,
			Timeout: cfg.Inference.TimeoutDuration(),
		},
		logger,
	)
	if err != nil {
		undo.run(context.Background(), logger)
		return nil, fmt.Errorf("build inference engine: %w", err)
	}

	opts := handlers.Options{
		Catalog: breeds,
		Folder:  cfg.Storage.Folder,
	}
	if mongo != nil {
		opts.Documents = mongo
	}
	if blob != nil {
		opts.Uploader = blob
	}
	router := handlers.NewRouter(
		handlers.NewHandler(engine, opts, logger),
		handlers.RouterConfig{
			BodyLimit:    cfg.Server.BodyLimit,
			AllowOrigins: cfg.Server.AllowOrigins,
		},
		logger,
	)

	logger.Info("server initialized",
		"device", classifier.Device(),
		"classes", len(classifier.Classes()),
		"breeds", breeds.Len(),
		"documents", mongo != nil,
		"uploads", blob != nil,
	)

	return &Server{
		classifier: classifier,
		mongo:      mongo,
		http:       newHTTPServer(&cfg.Server, router, logger),
		logger:     logger,
	}, nil
}

func (s *Server) Start() {
	s.http.Start()
}

// Shutdown drains HTTP first, then releases the model and the store.
func (s *Server) Shutdown(ctx context.Context) {
	s.logger.Info("initiating shutdown")
	s.http.Shutdown(ctx)

	if err := s.classifier.Close(); err != nil {
		s.logger.Error("model close failed", "error", err)
	}
	if s.mongo != nil {
		if err := s.mongo.Close(ctx); err != nil {
			s.logger.Error("document store close failed", "error", err)
		}
	}
}

// cleanup releases resources acquired during startup, newest first, when a
// later startup step fails.
type cleanup []namedCloser

type namedCloser struct {
	name  string
	close func(context.Context) error
}

func (c *cleanup) add(name string, fn func(context.Context) error) {
	*c = append(*c, namedCloser{name: name, close: fn})
}

func (c cleanup) run(ctx context.Context, logger *slog.Logger) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].close(ctx); err != nil {
			logger.Error("startup cleanup failed", "resource", c[i].name, "error", err)
		}
	}
}
