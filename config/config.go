// Package config loads and validates node configuration: the JSON file a
// node starts from, plus the per-network constant tables (magic bytes,
// genesis block, epoch signer keys, PoW difficulty, quorum parameters)
// referenced by name throughout the rest of the node.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/tolelom/latticenode/network"
	"github.com/tolelom/latticenode/types"
)

// TLSConfig holds paths to the PEM files needed for optional transport-layer
// TLS between peers. Peer identity itself is always established by the
// node_id_handshake cookie-signature exchange (spec §4.11), independent of
// whether the underlying connection is encrypted; when nil or all paths
// empty, the node falls back to plain TCP.
type TLSConfig struct {
	CACert   string `json:"ca_cert"`
	NodeCert string `json:"node_cert"`
	NodeKey  string `json:"node_key"`
}

// SeedPeer identifies a remote node to connect to on startup.
type SeedPeer struct {
	ID   string `json:"id"`   // remote node's ed25519 public key, hex
	Addr string `json:"addr"` // host:port
}

// Tunables bundles the numeric knobs spec §4 names individually, each
// defaulted the way the spec text states.
type Tunables struct {
	BlockProcessorBatchMax       int           `json:"block_processor_batch_max"`
	BlockProcessorBatchMaxTime   time.Duration `json:"block_processor_batch_max_time"`
	ConfirmationHistorySize      int           `json:"confirmation_history_size"`
	VotingMaxCache               int           `json:"voting_max_cache"`
	BootstrapConnectionWarmupSec int           `json:"bootstrap_connection_warmup_time_sec"`
	OnlineWeightSampleInterval   time.Duration `json:"online_weight_sample_interval"`
	OnlineWeightMaxSamples       int           `json:"online_weight_max_samples"`
}

// DefaultTunables returns the defaults named in spec §4.
func DefaultTunables() Tunables {
	return Tunables{
		BlockProcessorBatchMax:       256,
		BlockProcessorBatchMaxTime:   500 * time.Millisecond,
		ConfirmationHistorySize:      65536,
		VotingMaxCache:               16384,
		BootstrapConnectionWarmupSec: 5,
		OnlineWeightSampleInterval:   5 * time.Minute,
		OnlineWeightMaxSamples:       4032,
	}
}

// NetworkParams is the per-network constant table spec §2.3 asks for:
// genesis block, epoch signer keys, PoW thresholds, and quorum/bootstrap
// percentages, keyed by network.Network (live/beta/test).
type NetworkParams struct {
	Network network.Network

	// GenesisAccount is the account the network's genesis open block
	// belongs to — the sole representative until other accounts vote
	// their weight elsewhere.
	GenesisAccount types.Account
	// GenesisRepresentative is almost always GenesisAccount itself (spec
	// §3.2/§8 scenario 1: a self-referential open block).
	GenesisRepresentative types.Account
	// GenesisBalance is the total initial supply, assigned entirely to
	// GenesisAccount by the genesis open block.
	GenesisBalance types.Amount

	EpochSigners map[types.Epoch]types.Account
	EpochLinks   map[types.Hash]types.Epoch

	WorkThresholds map[types.Epoch]uint64

	// OnlineWeightMinimum floors the trended online-weight sample so a
	// quorum can still be reached during network bring-up (spec §4.7).
	OnlineWeightMinimum types.Amount
	// OnlineWeightQuorumPercent is the share of online weight an election
	// must accumulate to confirm (spec §4.7 "Quorum rule").
	OnlineWeightQuorumPercent int
	// BootstrapFractionNumerator scales online weight into the legacy
	// bootstrap trigger threshold: online_stake/256*numerator (spec §4.5).
	BootstrapFractionNumerator int
	// PrincipalRepMinimumFraction is a representative's minimum share of
	// online weight (as a fraction of 1/this value) to count as principal
	// for peer-preference purposes (spec §4.10).
	PrincipalRepMinimumFraction int
}

// defaultNetworkParams returns the live/beta/test constant tables. Genesis
// accounts default to the zero account — a real deployment overrides
// GenesisAccount/GenesisRepresentative/GenesisBalance from its config file,
// since the actual genesis keypair is network-specific and generated once,
// not hardcoded here (see GenerateGenesis in genesis.go).
func defaultNetworkParams(n network.Network) NetworkParams {
	p := NetworkParams{
		Network:                     n,
		GenesisBalance:              types.NewAmount(0),
		EpochSigners:                map[types.Epoch]types.Account{},
		EpochLinks:                  map[types.Hash]types.Epoch{},
		WorkThresholds:              defaultWorkThresholds(),
		OnlineWeightMinimum:         types.NewAmount(60_000_000),
		OnlineWeightQuorumPercent:   67,
		BootstrapFractionNumerator:  256,
		PrincipalRepMinimumFraction: 1000,
	}
	if n == network.NetworkTest {
		// Test network bring-up needs quorum reachable with a handful of
		// tiny-stake representatives.
		p.OnlineWeightMinimum = types.NewAmount(1)
	}
	return p
}

func defaultWorkThresholds() map[types.Epoch]uint64 {
	return map[types.Epoch]uint64{
		types.Epoch0: 0xffffffc000000000,
		types.Epoch1: 0xfffffff800000000,
		types.Epoch2: 0xfffffffc00000000,
	}
}

// Config holds all node configuration.
type Config struct {
	NodeID  string `json:"node_id"`
	DataDir string `json:"data_dir"`

	RPCAddr string `json:"rpc_addr"`
	P2PAddr string `json:"p2p_addr"`

	Network network.Network `json:"network"`

	SeedPeers    []SeedPeer `json:"seed_peers,omitempty"`
	TLS          *TLSConfig `json:"tls,omitempty"`
	RPCAuthToken string     `json:"rpc_auth_token,omitempty"`

	Tunables Tunables `json:"tunables"`

	// NetworkParams overrides defaultNetworkParams(Network) when set; a
	// real deployment sets GenesisAccount/GenesisRepresentative/
	// GenesisBalance here after generating (or receiving) the genesis
	// keypair.
	NetworkParams *NetworkParams `json:"network_params,omitempty"`
}

// DefaultConfig returns a single-node development configuration on the
// test network.
func DefaultConfig() *Config {
	return &Config{
		NodeID:   "node0",
		DataDir:  "./data",
		RPCAddr:  "127.0.0.1:7076",
		P2PAddr:  "0.0.0.0:7075",
		Network:  network.NetworkTest,
		Tunables: DefaultTunables(),
	}
}

// Params returns the effective per-network constant table: the explicit
// override if set, otherwise the built-in default for c.Network.
func (c *Config) Params() NetworkParams {
	if c.NetworkParams != nil {
		return *c.NetworkParams
	}
	return defaultNetworkParams(c.Network)
}

// Load reads a JSON config file from path and validates required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.RPCAddr == "" {
		return fmt.Errorf("rpc_addr must not be empty")
	}
	if c.P2PAddr == "" {
		return fmt.Errorf("p2p_addr must not be empty")
	}
	if c.RPCAddr == c.P2PAddr {
		return fmt.Errorf("rpc_addr and p2p_addr must not be the same (%s)", c.RPCAddr)
	}
	if c.Network > network.NetworkTest {
		return fmt.Errorf("network: unrecognized value %d", c.Network)
	}
	if c.TLS != nil {
		t := c.TLS
		allSet := t.CACert != "" && t.NodeCert != "" && t.NodeKey != ""
		allEmpty := t.CACert == "" && t.NodeCert == "" && t.NodeKey == ""
		if !allSet && !allEmpty {
			return fmt.Errorf("tls: all three paths (ca_cert, node_cert, node_key) must be set or all empty")
		}
	}
	return nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// ApplyOverride sets a single dotted-path field (e.g. "tunables.voting_max_cache")
// to value, matching its JSON tag at each level (spec §6.3's `--config
// key=value` flag). It supports the scalar field kinds the config actually
// uses: string, int, bool, and time.Duration.
func (c *Config) ApplyOverride(path, value string) error {
	v := reflect.ValueOf(c).Elem()
	parts := strings.Split(path, ".")
	for i, part := range parts {
		if v.Kind() == reflect.Ptr {
			if v.IsNil() {
				return fmt.Errorf("config: %q is unset, cannot override a field on it", strings.Join(parts[:i], "."))
			}
			v = v.Elem()
		}
		field, ok := fieldByJSONTag(v, part)
		if !ok {
			return fmt.Errorf("config: no field %q at %q", part, path)
		}
		v = field
	}
	return setScalar(v, value)
}

func fieldByJSONTag(v reflect.Value, name string) (reflect.Value, bool) {
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, false
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		tag = strings.Split(tag, ",")[0]
		if tag == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func setScalar(v reflect.Value, value string) error {
	if !v.CanSet() {
		return fmt.Errorf("config: field is not settable")
	}
	switch v.Interface().(type) {
	case time.Duration:
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("config: parse duration %q: %w", value, err)
		}
		v.Set(reflect.ValueOf(d))
		return nil
	}
	switch v.Kind() {
	case reflect.String:
		v.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("config: parse int %q: %w", value, err)
		}
		v.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("config: parse bool %q: %w", value, err)
		}
		v.SetBool(b)
	default:
		return fmt.Errorf("config: unsupported field kind %s", v.Kind())
	}
	return nil
}
