package domain

// Identity is an immutable, pre-provisioned marketplace identity bound to
// a key pair. A pool of these caps how many jobs the dispatcher can run
// in parallel.
type Identity struct {
	AgentID      string `json:"agent_id"`
	WIF          string `json:"wif"`
	Address      string `json:"address"`
	IAddress     string `json:"i_address"`
	IdentityName string `json:"identity_name"`
	Network      string `json:"network"`
	// PrivateKeySeed is the hex-encoded signer seed for AgentID, carried
	// from KeyFile so callers can enroll it into a Signer at startup
	// without re-reading keys.json themselves. Never logged or persisted.
	PrivateKeySeed string `json:"-"`
}

// KeyFile is the on-disk shape of AGENTS_DIR/<agentId>/keys.json.
// Only the fields needed to reconstruct an Identity and its Signer are
// modeled; unknown fields round-trip through json.RawMessage in callers
// that need them, but the dispatcher itself only needs these.
type KeyFile struct {
	AgentID      string `json:"agentId"`
	WIF          string `json:"wif"`
	Address      string `json:"address"`
	IAddress     string `json:"iAddress"`
	IdentityName string `json:"identityName"`
	Network      string `json:"network"`
	// PrivateKeySeed is the local signer's seed material. It is opaque to
	// everything except the signer adapter that owns Identity.AgentID.
	PrivateKeySeed string `json:"privateKeySeed"`
}
