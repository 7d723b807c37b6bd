package main

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/seglab/seglab/internal/api"
	"github.com/seglab/seglab/internal/backend"
	"github.com/seglab/seglab/internal/backend/sam"
	"github.com/seglab/seglab/internal/config"
	"github.com/seglab/seglab/internal/database"
	"github.com/seglab/seglab/internal/export"
	"github.com/seglab/seglab/internal/logging"
	"github.com/seglab/seglab/internal/prompt"
	"github.com/seglab/seglab/internal/session"
)

func main() {
	cfg := config.New()

	log, err := logging.New(cfg.Server.Mode)
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	defer log.Sync()

	b, err := newBackend(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize backend", zap.Error(err))
	}

	db, err := database.NewDB(database.Config{
		Type:        cfg.Database.Type,
		SQLitePath:  cfg.Database.SQLitePath,
		PostgresDSN: cfg.Database.PostgresDSN,
	})
	if err != nil {
		log.Fatal("failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	store := session.NewStore(b, log)

	app := &api.App{
		Store:            store,
		Router:           prompt.NewRouter(store, b, log),
		Annotations:      database.NewAnnotationRepo(db),
		Assembler:        export.NewAssembler(cfg.Segment.SimplifyTolerance, log),
		Log:              log,
		MaxUploadSize:    cfg.Upload.MaxSize,
		AllowedTypes:     cfg.Upload.AllowedTypes,
		DefaultThreshold: cfg.Segment.ConfidenceThreshold,
	}

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      api.NewRouter(app),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	log.Info("server starting",
		zap.String("addr", cfg.Server.Port),
		zap.String("backend", cfg.Backend.Mode),
		zap.String("database", cfg.Database.Type))

	if err := server.ListenAndServe(); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

// newBackend builds the configured backend. Selection is explicit: a missing
// model under mode "onnx" is a startup error, never a silent mock.
func newBackend(cfg *config.Config, log *zap.Logger) (backend.Backend, error) {
	switch cfg.Backend.Mode {
	case "mock":
		log.Warn("using mock backend, segmentation results are synthetic")
		return backend.NewMock(), nil
	case "onnx":
		samCfg := sam.DefaultConfig()
		if cfg.Backend.OnnxRuntimeLibPath != "" {
			samCfg.OnnxRuntimeLibPath = cfg.Backend.OnnxRuntimeLibPath
		}
		samCfg.EncoderModelPath = cfg.Backend.EncoderModelPath
		samCfg.DecoderModelPath = cfg.Backend.DecoderModelPath
		samCfg.UseCuda = cfg.Backend.UseCuda
		samCfg.NumThreads = cfg.Backend.NumThreads
		return sam.NewEngine(samCfg)
	default:
		return nil, fmt.Errorf("unknown backend mode %q", cfg.Backend.Mode)
	}
}
