// Command node starts a lattice-ledger full node.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tolelom/latticenode/config"
	"github.com/tolelom/latticenode/ledger"
	"github.com/tolelom/latticenode/node"
	"github.com/tolelom/latticenode/network"
	"github.com/tolelom/latticenode/store"
	"github.com/tolelom/latticenode/types"
	"github.com/tolelom/latticenode/wallet"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	keyPath := flag.String("key", "node.key", "path to keystore file")
	genKey := flag.Bool("genkey", false, "generate a new representative/voting key and exit")
	genGenesis := flag.String("genesis", "", "generate a genesis block for the given network (live|beta|test), save its network_params into the config file, and exit")
	genesisBalance := flag.Uint64("genesis-balance", 0, "initial supply credited to the generated genesis account")
	var overrides stringList
	flag.Var(&overrides, "set", "override a config field as dotted.path=value (repeatable)")
	flag.Parse()

	// Read keystore password from environment (not CLI flags — they leak via ps).
	password := os.Getenv("LATTICE_PASSWORD")
	if password == "" {
		log.Println("WARNING: LATTICE_PASSWORD not set — keystore will use an empty password")
	}

	// ---- generate key mode ----
	if *genKey {
		w, err := wallet.Generate()
		if err != nil {
			log.Fatal(err)
		}
		if err := wallet.SaveKey(*keyPath, password, w.PrivKey()); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Generated key. Account: %s\n", w.Account())
		fmt.Printf("Saved to: %s\n", *keyPath)
		return
	}

	// ---- generate genesis mode ----
	if *genGenesis != "" {
		net, err := parseNetwork(*genGenesis)
		if err != nil {
			log.Fatal(err)
		}
		if err := runGenesis(net, types.NewAmount(*genesisBalance), *cfgPath); err != nil {
			log.Fatalf("genesis: %v", err)
		}
		return
	}

	// ---- load config ----
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	for _, o := range overrides {
		path, value, ok := strings.Cut(o, "=")
		if !ok {
			log.Fatalf("--set %q: expected dotted.path=value", o)
		}
		if err := cfg.ApplyOverride(path, value); err != nil {
			log.Fatalf("--set %q: %v", o, err)
		}
	}

	// ---- load representative key (optional: a pure observer node has none) ----
	var w *wallet.Wallet
	if _, err := os.Stat(*keyPath); err == nil {
		priv, err := wallet.LoadKey(*keyPath, password)
		if err != nil {
			log.Fatalf("load key: %v", err)
		}
		w, err = wallet.New(priv)
		if err != nil {
			log.Fatalf("derive account from key: %v", err)
		}
		log.Printf("Voting as representative %s", w.Account())
	} else {
		log.Println("No key file found; running as a non-voting observer node")
	}

	// ---- build and start the node ----
	n, err := node.New(cfg, w)
	if err != nil {
		log.Fatalf("node init: %v", err)
	}
	if err := n.Start(); err != nil {
		log.Fatalf("node start: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")
	n.Stop()
	log.Println("Shutdown complete.")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("Config file not found at %s, using defaults.", path)
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func parseNetwork(s string) (network.Network, error) {
	switch strings.ToLower(s) {
	case "live":
		return network.NetworkLive, nil
	case "beta":
		return network.NetworkBeta, nil
	case "test":
		return network.NetworkTest, nil
	default:
		return 0, fmt.Errorf("unrecognized network %q (want live|beta|test)", s)
	}
}

// runGenesis opens (or creates) the data directory named by cfgPath's
// sibling config (or the default data dir if no config exists yet),
// commits a fresh genesis block, saves its network_params into the config
// file at cfgPath, and prints the genesis account, balance and that path.
func runGenesis(net network.Network, balance types.Amount, cfgPath string) error {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	cfg.Network = net

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := store.OpenLevelStore(cfg.DataDir + "/chain")
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	l := ledger.New(ledger.Params{
		EpochLinks:   map[types.Hash]types.Epoch{},
		EpochSigners: map[types.Epoch]types.Account{},
	})
	params, w, err := config.GenerateGenesis(l, db, net, balance)
	if err != nil {
		return err
	}

	cfg.NetworkParams = &params
	if err := config.Save(cfg, cfgPath); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Printf("Genesis account: %s\n", w.Account())
	fmt.Printf("Genesis balance: %s\n", params.GenesisBalance)
	fmt.Printf("network_params written to %s\n", cfgPath)
	fmt.Println("Distribute this config (and the genesis key, if this node represents it) to every node joining the network.")
	return nil
}

// stringList accumulates repeated -set flags.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}
