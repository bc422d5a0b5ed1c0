// Package config loads and validates the dispatcher's settings from the
// environment, following the fail-fast style of auleOS's
// config.NewSecretKey / NewSettingsStore: a missing or invalid required
// value is a startup error, never a silently-applied default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/autobb888/vap-dispatcher/internal/core/domain"
)

// Load reads spec.md §6's environment variables into a domain.Config,
// overlaying them onto DefaultConfig, and validates the result.
func Load() (*domain.Config, error) {
	cfg := domain.DefaultConfig()

	cfg.MarketplaceAPI = strings.TrimSpace(os.Getenv("VAP_API"))
	cfg.Identity = strings.TrimSpace(os.Getenv("VAP_IDENTITY"))
	cfg.IAddress = strings.TrimSpace(os.Getenv("VAP_I_ADDRESS"))
	cfg.KeysFile = strings.TrimSpace(os.Getenv("VAP_KEYS_FILE"))
	cfg.AgentsDir = envOr("AGENTS_DIR", cfg.AgentsDir)
	cfg.JobsPath = envOr("JOBS_PATH", cfg.JobsPath)
	cfg.WikiPath = envOr("WIKI_PATH", cfg.WikiPath)

	if err := durationFromEnv("POLL_INTERVAL", &cfg.PollInterval); err != nil {
		return nil, err
	}
	if err := intFromEnv("PORT_RANGE_START", &cfg.PortRangeStart); err != nil {
		return nil, err
	}
	if err := intFromEnv("PORT_RANGE_END", &cfg.PortRangeEnd); err != nil {
		return nil, err
	}
	if err := durationFromEnv("PORT_COOLDOWN", &cfg.PortCooldown); err != nil {
		return nil, err
	}
	if err := int64FromEnv("CONTAINER_MEMORY", &cfg.ContainerMemoryBytes); err != nil {
		return nil, err
	}
	if err := nanoCPUsFromEnv("CONTAINER_CPUS", &cfg.ContainerNanoCPUs); err != nil {
		return nil, err
	}
	if err := durationFromEnv("CONTAINER_MAX_LIFETIME", &cfg.ContainerMaxLifetime); err != nil {
		return nil, err
	}
	if err := intFromEnv("PROXY_PORT", &cfg.ProxyPort); err != nil {
		return nil, err
	}
	if err := intFromEnv("PROXY_RATE_LIMIT", &cfg.ProxyRateLimit); err != nil {
		return nil, err
	}
	if err := intFromEnv("MAX_ACCEPTS_PER_MIN", &cfg.MaxAcceptsPerMinute); err != nil {
		return nil, err
	}
	if err := intFromEnv("MAX_QUEUED_JOBS", &cfg.MaxQueuedJobs); err != nil {
		return nil, err
	}
	if err := durationFromEnv("GHOST_TIMEOUT", &cfg.GhostTimeout); err != nil {
		return nil, err
	}
	if err := durationFromEnv("REQUEST_TIMEOUT", &cfg.RequestTimeout); err != nil {
		return nil, err
	}

	cfg.Providers.LLM = UpstreamFromEnv("LLM")
	cfg.Providers.Embeddings = UpstreamFromEnv("EMBEDDINGS")

	cfg.SandboxImage = envOr("SANDBOX_IMAGE", cfg.SandboxImage)
	cfg.ChatModel = envOr("CHAT_MODEL", cfg.ChatModel)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// UpstreamFromEnv builds an UpstreamProvider from <PREFIX>_BASE_URL and
// <PREFIX>_API_KEY environment variables.
func UpstreamFromEnv(prefix string) domain.UpstreamProvider {
	return domain.UpstreamProvider{
		BaseURL: strings.TrimSpace(os.Getenv(prefix + "_BASE_URL")),
		APIKey:  strings.TrimSpace(os.Getenv(prefix + "_API_KEY")),
	}
}

func validate(cfg *domain.Config) error {
	if cfg.MarketplaceAPI == "" {
		return fmt.Errorf("config: VAP_API is required")
	}
	if cfg.KeysFile == "" && cfg.AgentsDir == "" {
		return fmt.Errorf("config: VAP_KEYS_FILE or AGENTS_DIR is required")
	}
	if cfg.JobsPath == "" {
		return fmt.Errorf("config: JOBS_PATH is required")
	}
	if cfg.PortRangeEnd < cfg.PortRangeStart {
		return fmt.Errorf("config: PORT_RANGE_END (%d) must be >= PORT_RANGE_START (%d)", cfg.PortRangeEnd, cfg.PortRangeStart)
	}
	if cfg.Providers.LLM.BaseURL == "" {
		return fmt.Errorf("config: LLM_BASE_URL is required")
	}
	if cfg.Providers.LLM.APIKey == "" {
		return fmt.Errorf("config: LLM_API_KEY is required")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func durationFromEnv(key string, dst *time.Duration) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("config: %s must be an integer number of seconds: %w", key, err)
	}
	*dst = time.Duration(seconds) * time.Second
	return nil
}

func intFromEnv(key string, dst *int) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("config: %s must be an integer: %w", key, err)
	}
	*dst = v
	return nil
}

func int64FromEnv(key string, dst *int64) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("config: %s must be an integer: %w", key, err)
	}
	*dst = v
	return nil
}

// nanoCPUsFromEnv reads a fractional core count (e.g. "1.5") and converts
// to Docker's NanoCPUs unit (1 core = 1e9).
func nanoCPUsFromEnv(key string, dst *int64) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("config: %s must be a number: %w", key, err)
	}
	*dst = int64(v * 1e9)
	return nil
}
