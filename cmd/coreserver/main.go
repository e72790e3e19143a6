package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/coreserver/internal/authsession"
	"github.com/rakunlabs/coreserver/internal/blobstore"
	"github.com/rakunlabs/coreserver/internal/cluster"
	"github.com/rakunlabs/coreserver/internal/config"
	"github.com/rakunlabs/coreserver/internal/cryptostore"
	"github.com/rakunlabs/coreserver/internal/featuregate"
	"github.com/rakunlabs/coreserver/internal/healthmonitor"
	"github.com/rakunlabs/coreserver/internal/ingest"
	"github.com/rakunlabs/coreserver/internal/llmadapter"
	"github.com/rakunlabs/coreserver/internal/llmadapter/registry"
	"github.com/rakunlabs/coreserver/internal/maintenance"
	"github.com/rakunlabs/coreserver/internal/notify"
	"github.com/rakunlabs/coreserver/internal/ratelimit"
	"github.com/rakunlabs/coreserver/internal/retrieval"
	"github.com/rakunlabs/coreserver/internal/router"
	"github.com/rakunlabs/coreserver/internal/server"
	"github.com/rakunlabs/coreserver/internal/store"
	"github.com/rakunlabs/coreserver/internal/teachback"
)

var (
	name    = "coreserver"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	maintenance.SetHeavyFeatures(cfg.HeavyFeatures)

	var encKey []byte
	if cfg.Auth.EncryptionKey != "" {
		encKey, err = cryptostore.DeriveKey(cfg.Auth.EncryptionKey)
		if err != nil {
			return fmt.Errorf("derive encryption key: %w", err)
		}
	}

	st, err := store.New(ctx, cfg.Store, encKey)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	reg, err := registry.NewRegistry(cfg)
	if err != nil {
		return fmt.Errorf("build provider registry: %w", err)
	}

	embedder, err := llmadapter.NewEmbedder(embeddingProviderConfig(cfg))
	if err != nil {
		return fmt.Errorf("build embedder: %w", err)
	}

	dispatch := notify.NewDispatcher(cfg.Notify)

	var cl *cluster.Cluster
	if cfg.Server.Alan != nil {
		cl, err = cluster.New(cfg.Server.Alan)
		if err != nil {
			return fmt.Errorf("build cluster: %w", err)
		}
		go func() {
			if err := cl.Start(ctx, func(newKey []byte) {
				st.SetEncryptionKey(newKey)
			}); err != nil {
				slog.Error("cluster start failed", "error", err)
			}
		}()
	}

	limiter := ratelimit.New(st, st)
	features := featuregate.New(st, st)
	maintenanceCtl := maintenance.New(st, st, st, dispatch)

	monitor := healthmonitor.New(reg, st, st, dispatch, cfg.Tuning.HealthCheckInterval(), cl)
	monitor.Start(ctx)

	blobs := blobstore.New(cfg.Storage.BlobDir)
	retriever := retrieval.New(st, embedder)
	ingestPipeline := ingest.New(blobs, st, reg, embedder, slog.Default())

	rtr := router.New(st, st, reg, limiter, maintenanceCtl, retriever, dispatch, cfg.Tuning.RouterMaxRetries, slog.Default())

	sessions, err := authsession.New(cfg.Auth.EncryptionKey, cfg.Auth.SessionTTL)
	if err != nil {
		return fmt.Errorf("build session issuer: %w", err)
	}

	tb := teachback.New(reg, st)

	srv, err := server.New(cfg.Server, cfg.Auth, st, sessions, rtr, blobs, ingestPipeline, tb, features, maintenanceCtl, cl)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	slog.Info("starting coreserver", "host", cfg.Server.Host, "port", cfg.Server.Port)
	return srv.Start(ctx)
}

// embeddingProviderConfig resolves the provider config embeddings dispatch
// through, following the same "feature_models[feature] = provider/model or
// model" convention registry.Registry applies to every other feature.
func embeddingProviderConfig(cfg *config.Config) config.LLMConfig {
	provider := cfg.DefaultProvider
	modelID := ""
	if spec, ok := cfg.FeatureModels["embedding"]; ok {
		modelID = spec
		if idx := strings.IndexByte(spec, '/'); idx >= 0 {
			provider = spec[:idx]
			modelID = spec[idx+1:]
		}
	}
	pc := cfg.Providers[provider]
	if modelID != "" {
		pc.Model = modelID
	}
	return pc
}
