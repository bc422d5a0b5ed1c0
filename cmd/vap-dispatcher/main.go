package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/autobb888/vap-dispatcher/internal/adapters/chat"
	"github.com/autobb888/vap-dispatcher/internal/adapters/docker"
	"github.com/autobb888/vap-dispatcher/internal/adapters/jobstore"
	"github.com/autobb888/vap-dispatcher/internal/adapters/marketplace"
	"github.com/autobb888/vap-dispatcher/internal/adapters/proxy"
	"github.com/autobb888/vap-dispatcher/internal/adapters/signer"
	appconfig "github.com/autobb888/vap-dispatcher/internal/config"
	"github.com/autobb888/vap-dispatcher/internal/core/domain"
	"github.com/autobb888/vap-dispatcher/internal/core/services"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting vap-dispatcher")

	if err := run(logger); err != nil {
		logger.Error("dispatcher startup failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutdown signal received")
		cancel()
	}()

	cfg, err := appconfig.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	identities, err := loadIdentities(cfg)
	if err != nil {
		return fmt.Errorf("loading identities: %w", err)
	}
	logger.Info("identity pool loaded", "size", len(identities))
	logger.Info("upstream providers configured",
		"llm_base_url", cfg.Providers.LLM.BaseURL, "llm_api_key", appconfig.MaskSecret(cfg.Providers.LLM.APIKey),
		"embeddings_base_url", cfg.Providers.Embeddings.BaseURL, "embeddings_api_key", appconfig.MaskSecret(cfg.Providers.Embeddings.APIKey),
	)

	keySigner := signer.New()
	for _, id := range identities {
		if err := keySigner.EnrollHexSeed(id.AgentID, id.PrivateKeySeed); err != nil {
			return fmt.Errorf("enrolling signer key for %s: %w", id.AgentID, err)
		}
	}

	containerMgr, err := docker.NewManager(logger, cfg.RequestTimeout)
	if err != nil {
		return fmt.Errorf("initializing container manager: %w", err)
	}

	proxyServer := proxy.New(logger, cfg.ProxyPort, cfg.Providers, cfg.ProxyRateLimit)
	jobLogger := jobstore.NewStore(logger, cfg.JobsPath)
	defer func() {
		if err := jobLogger.Close(); err != nil {
			logger.Warn("closing job logger", "error", err)
		}
	}()
	attestation := services.NewAttestation(logger, keySigner, jobLogger)

	sessions, chatTransport, err := authenticateSessions(ctx, logger, cfg, identities, keySigner)
	if err != nil {
		return fmt.Errorf("authenticating sessions: %w", err)
	}

	dispatcher := services.NewDispatcher(logger, cfg, sessions, keySigner, chatTransport, containerMgr, proxyServer, attestation, jobLogger)

	if err := reconcile(ctx, logger, dispatcher, sessions); err != nil {
		return fmt.Errorf("reconciling active jobs: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return proxyServer.Run(gCtx)
	})

	g.Go(func() error {
		return dispatcher.Run(gCtx)
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down dispatcher")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		report := dispatcher.Shutdown(shutdownCtx)
		closeErr := chatTransport.Close()
		logger.Info("shutdown complete", "containers_destroyed", report.ContainersDestroyed, "chat_close_error", closeErr)
		return nil
	})

	err = g.Wait()
	if err != nil && ctx.Err() != nil {
		// Cancellation-triggered errors from gCtx are expected on shutdown.
		return nil
	}
	return err
}

// loadIdentities resolves the identity pool from AGENTS_DIR, falling back
// to a single identity from VAP_KEYS_FILE for single-identity operators
// (spec.md §6).
func loadIdentities(cfg *domain.Config) ([]domain.Identity, error) {
	if cfg.AgentsDir != "" {
		return appconfig.LoadIdentityPool(cfg.AgentsDir)
	}
	identity, err := appconfig.LoadSingleIdentity(cfg.KeysFile)
	if err != nil {
		return nil, err
	}
	return []domain.Identity{identity}, nil
}

// authenticateSessions logs every identity into the marketplace and
// connects one shared chat transport using the first identity's chat
// token, per spec.md §4.6.
func authenticateSessions(ctx context.Context, logger *slog.Logger, cfg *domain.Config, identities []domain.Identity, keySigner *signer.Signer) ([]services.Session, *chat.Transport, error) {
	sessions := make([]services.Session, 0, len(identities))
	for _, id := range identities {
		client := marketplace.New(logger, cfg.MarketplaceAPI, keySigner)
		if err := client.Login(ctx, id); err != nil {
			return nil, nil, fmt.Errorf("login for %s: %w", id.AgentID, err)
		}
		sessions = append(sessions, services.Session{Identity: id, Client: client})
	}

	chatToken, err := sessions[0].Client.ChatToken(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching chat token: %w", err)
	}

	chatTransport := chat.New(logger, cfg.MarketplaceAPI, &http.Client{Timeout: 35 * time.Second})
	if err := chatTransport.Connect(ctx, chatToken); err != nil {
		return nil, nil, fmt.Errorf("connecting chat transport: %w", err)
	}
	return sessions, chatTransport, nil
}

// reconcile implements spec.md §4.6: for each identity, query jobs the
// marketplace already considers accepted or in progress and rejoin their
// chat rooms. The dispatcher never tries to recover previous containers —
// RejoinJob only places a Pending table entry, and the first incoming
// buyer turn starts a new sandbox on demand through ReconcileJob.
func reconcile(ctx context.Context, logger *slog.Logger, dispatcher *services.Dispatcher, sessions []services.Session) error {
	for _, sess := range sessions {
		for _, status := range []domain.JobStatus{domain.JobStatusAccepted, domain.JobStatusInProgress} {
			jobs, err := sess.Client.ListJobs(ctx, status, "seller")
			if err != nil {
				return fmt.Errorf("listing %s jobs for %s: %w", status, sess.Identity.AgentID, err)
			}
			for _, job := range jobs {
				if err := dispatcher.RejoinJob(ctx, sess, job); err != nil {
					logger.Warn("reconcile: failed to rejoin job", "job_id", job.ID, "error", err)
				}
			}
		}
	}
	return nil
}
