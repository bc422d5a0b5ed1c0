package domain

import "time"

// ProviderConfig configures the upstream providers the credential proxy
// swaps real keys in for, generalised from auleOS's local/remote provider
// selection to the dispatcher's primary-LLM/embeddings routing split.
type ProviderConfig struct {
	LLM        UpstreamProvider
	Embeddings UpstreamProvider
}

// UpstreamProvider is one upstream the credential proxy forwards to.
type UpstreamProvider struct {
	BaseURL string
	APIKey  string
}

// Config is the dispatcher's fully validated, immutable settings,
// sourced from the environment per spec.md §6 and never mutated after
// startup.
type Config struct {
	MarketplaceAPI string
	Identity       string
	IAddress       string
	KeysFile       string
	AgentsDir      string
	JobsPath       string
	WikiPath       string

	PollInterval         time.Duration
	PortRangeStart       int
	PortRangeEnd         int
	PortCooldown         time.Duration
	ContainerMemoryBytes int64
	ContainerNanoCPUs    int64
	ContainerMaxLifetime time.Duration

	ProxyPort      int
	ProxyRateLimit int
	Providers      ProviderConfig

	SandboxImage string
	ChatModel    string

	MaxAcceptsPerMinute int
	MaxQueuedJobs       int
	GhostTimeout        time.Duration

	HealthProbeInterval time.Duration
	HealthProbeTimeout  time.Duration
	RequestTimeout      time.Duration
}

// DefaultConfig returns the dispatcher's built-in defaults. Values here
// match spec.md §4.2/§5 (health probe 2s/30s, request 5min, lifetime 1h,
// memory 2GiB, 1 core).
func DefaultConfig() *Config {
	return &Config{
		PollInterval:         10 * time.Second,
		PortRangeStart:       20000,
		PortRangeEnd:         20099,
		PortCooldown:         30 * time.Second,
		ContainerMemoryBytes: 2 << 30, // 2 GiB
		ContainerNanoCPUs:    1_000_000_000,
		ContainerMaxLifetime: time.Hour,
		ProxyPort:            8787,
		ProxyRateLimit:       60,
		SandboxImage:         "vap-sandbox:latest",
		ChatModel:            "sandbox-default",
		MaxAcceptsPerMinute:  5,
		MaxQueuedJobs:        10,
		GhostTimeout:         10 * time.Minute,
		HealthProbeInterval:  2 * time.Second,
		HealthProbeTimeout:   30 * time.Second,
		RequestTimeout:       5 * time.Minute,
	}
}
