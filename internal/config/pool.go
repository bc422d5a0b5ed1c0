package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/autobb888/vap-dispatcher/internal/core/domain"
	"gopkg.in/yaml.v3"
)

// poolManifest is the optional AGENTS_DIR/pool.yaml format naming which
// agentIds are active. spec.md §6 names AGENTS_DIR but not its manifest
// format; when pool.yaml is absent the pool falls back to a directory
// scan (one subdirectory per agentId).
type poolManifest struct {
	Agents []string `yaml:"agents"`
}

// LoadIdentityPool loads the pool of pre-provisioned identities the
// dispatcher is allowed to operate. Pool size caps parallel jobs.
func LoadIdentityPool(agentsDir string) ([]domain.Identity, error) {
	if agentsDir == "" {
		return nil, fmt.Errorf("config: AGENTS_DIR is required to load the identity pool")
	}

	agentIDs, err := listAgentIDs(agentsDir)
	if err != nil {
		return nil, err
	}
	if len(agentIDs) == 0 {
		return nil, fmt.Errorf("config: identity pool is empty under %s", agentsDir)
	}

	identities := make([]domain.Identity, 0, len(agentIDs))
	for _, agentID := range agentIDs {
		identity, err := loadIdentity(agentsDir, agentID)
		if err != nil {
			return nil, fmt.Errorf("config: loading identity %s: %w", agentID, err)
		}
		identities = append(identities, identity)
	}
	return identities, nil
}

func listAgentIDs(agentsDir string) ([]string, error) {
	manifestPath := filepath.Join(agentsDir, "pool.yaml")
	if data, err := os.ReadFile(manifestPath); err == nil {
		var manifest poolManifest
		if err := yaml.Unmarshal(data, &manifest); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", manifestPath, err)
		}
		return manifest.Agents, nil
	}

	entries, err := os.ReadDir(agentsDir)
	if err != nil {
		return nil, fmt.Errorf("config: reading AGENTS_DIR %s: %w", agentsDir, err)
	}
	var agentIDs []string
	for _, entry := range entries {
		if entry.IsDir() {
			agentIDs = append(agentIDs, entry.Name())
		}
	}
	return agentIDs, nil
}

// LoadSingleIdentity loads one identity directly from a keys.json path,
// the VAP_KEYS_FILE fallback for operators running a single identity
// instead of a pool under AGENTS_DIR.
func LoadSingleIdentity(keysFile string) (domain.Identity, error) {
	if keysFile == "" {
		return domain.Identity{}, fmt.Errorf("config: VAP_KEYS_FILE is required to load a single identity")
	}
	return loadIdentityFromFile(keysFile, "")
}

func loadIdentity(agentsDir, agentID string) (domain.Identity, error) {
	return loadIdentityFromFile(filepath.Join(agentsDir, agentID, "keys.json"), agentID)
}

func loadIdentityFromFile(keysPath, fallbackAgentID string) (domain.Identity, error) {
	info, err := os.Stat(keysPath)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("stat keys.json: %w", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return domain.Identity{}, fmt.Errorf("keys.json must not be group/world accessible, got mode %o", info.Mode().Perm())
	}

	data, err := os.ReadFile(keysPath)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("reading keys.json: %w", err)
	}

	var kf domain.KeyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return domain.Identity{}, fmt.Errorf("parsing keys.json: %w", err)
	}
	if kf.AgentID == "" {
		kf.AgentID = fallbackAgentID
	}

	return domain.Identity{
		AgentID:        kf.AgentID,
		WIF:            kf.WIF,
		Address:        kf.Address,
		IAddress:       kf.IAddress,
		IdentityName:   kf.IdentityName,
		Network:        kf.Network,
		PrivateKeySeed: kf.PrivateKeySeed,
	}, nil
}
