// Command findagd is the node operator's entrypoint: run a validator,
// seed a genesis validator set, or inspect a data directory's store
// without running a node. Subcommand shape: one cobra.Command
// constructor function per subcommand, added to a root command.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"findag.dev/core/fincrypto"
	"findag.dev/core/findagnode"
	"findag.dev/core/gossip/wire"
	"findag.dev/core/keystore"
	"findag.dev/core/model"
	"findag.dev/core/nodecfg"
	"findag.dev/core/store"
	"findag.dev/core/validator"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "findagd",
		Short: "FinDAG BlockDAG/RoundChain validator node",
	}
	root.AddCommand(runCmd(), genesisCmd(), statusCmd(), inspectCmd())
	return root
}

func loadLogger(level string) *logrus.Logger {
	log := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

func runCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a validator node until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := nodecfg.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			log := loadLogger(cfg.LogLevel)

			signer, err := keystore.Load(filepath.Join(cfg.DataDir, "identity.json"))
			if err != nil {
				return fmt.Errorf("load identity: %w", err)
			}
			self := fincrypto.AddressFromPublicKey(signer.PublicKey())
			log.WithField("address", fincrypto.EncodeAddress(self)).Info("identity loaded")

			genesisValidators, err := loadGenesisValidators(cfg.DataDir)
			if err != nil {
				return fmt.Errorf("load genesis validators: %w", err)
			}

			transportCfg := wire.DefaultPeerRuntimeConfig(0xF14D0641)
			transportCfg.MaxPeers = cfg.MaxPeers
			gw := wire.NewTransport(transportCfg, log.WithField("component", "gossip"))
			defer gw.Close()

			ln, err := net.Listen("tcp", cfg.BindAddr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", cfg.BindAddr, err)
			}
			defer ln.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			go acceptLoop(ctx, ln, gw, log)
			for _, p := range cfg.Peers {
				go dialPeer(ctx, p, gw, log)
			}

			n, err := findagnode.New(cfg, signer, gw, genesisValidators, log)
			if err != nil {
				return fmt.Errorf("construct node: %w", err)
			}
			defer n.Close()

			log.WithFields(logrus.Fields{"bind_addr": cfg.BindAddr, "data_dir": cfg.DataDir}).Info("node starting")
			if err := n.Run(ctx); err != nil && err != context.Canceled {
				return err
			}
			log.Info("node stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a JSON config file (defaults applied if omitted)")
	return cmd
}

// acceptLoop registers every inbound connection with the gossip
// transport, the listener side of the AddPeer contract wire.Transport
// documents but does not itself drive.
func acceptLoop(ctx context.Context, ln net.Listener, gw *wire.Transport, log *logrus.Logger) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("gossip accept failed")
			continue
		}
		if err := gw.AddPeer(conn.RemoteAddr().String(), conn); err != nil {
			log.WithError(err).Warn("gossip peer rejected")
			_ = conn.Close()
		}
	}
}

// dialPeer retries an outbound connection to a configured peer with
// exponential backoff until ctx is canceled.
func dialPeer(ctx context.Context, addr string, gw *wire.Transport, log *logrus.Logger) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
		if err != nil {
			log.WithField("peer", addr).WithError(err).Debug("gossip dial failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		if err := gw.AddPeer(addr, conn); err != nil {
			log.WithField("peer", addr).WithError(err).Warn("gossip peer rejected")
			_ = conn.Close()
			return
		}
		return
	}
}

func genesisCmd() *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "genesis",
		Short: "Generate a validator identity and write it as the sole genesis validator",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := keystore.Load(filepath.Join(dataDir, "identity.json"))
			if err != nil {
				return fmt.Errorf("generate identity: %w", err)
			}
			pub := signer.PublicKey()
			addr := fincrypto.AddressFromPublicKey(pub)

			if err := writeGenesisValidators(dataDir, []validator.Record{
				{Address: addr, PublicKey: pub, Status: validator.StatusActive},
			}); err != nil {
				return fmt.Errorf("write genesis validators: %w", err)
			}
			fmt.Printf("genesis validator: %s\n", fincrypto.EncodeAddress(addr))
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", nodecfg.DefaultDataDir(), "node data directory")
	return cmd
}

func statusCmd() *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the latest finalized round and validator set of a data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(filepath.Join(dataDir, "findag.db"))
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			number, ok, err := st.LatestRound()
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("latest_round: none finalized yet")
			} else {
				fmt.Printf("latest_round: %d\n", number)
			}

			active, inactive, slashed := 0, 0, 0
			err = st.ScanValidatorRecords(func(_ model.Address, rec validator.Record) error {
				switch rec.Status {
				case validator.StatusActive:
					active++
				case validator.StatusInactive:
					inactive++
				case validator.StatusSlashed:
					slashed++
				}
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Printf("validators: active=%d inactive=%d slashed=%d\n", active, inactive, slashed)
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", nodecfg.DefaultDataDir(), "node data directory")
	return cmd
}

func inspectCmd() *cobra.Command {
	var dataDir string
	var number uint64
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print one finalized round's contents",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(filepath.Join(dataDir, "findag.db"))
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			r, found, err := st.GetRound(number)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("round %d not found", number)
			}
			fmt.Printf("round %d: closed_at=%d blocks=%d committee=%d digest=%s\n",
				r.Number, r.ClosedAt, len(r.FinalizedBlocks), len(r.Committee), hex.EncodeToString(r.Digest[:]))
			for _, id := range r.FinalizedBlocks {
				b, ok, err := st.GetBlock(id)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				fmt.Printf("  block %s: producer=%s txs=%d\n",
					hex.EncodeToString(id[:]), fincrypto.EncodeAddress(b.Producer), len(b.Transactions))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", nodecfg.DefaultDataDir(), "node data directory")
	cmd.Flags().Uint64Var(&number, "round", 0, "round number to inspect")
	return cmd
}

// genesisRecord/genesisFile are the on-disk JSON shape genesis writes
// and run reads for the initial validator set -- separate from the
// store-backed registry because it must exist before the store does.
type genesisRecord struct {
	AddressHex   string `json:"address_hex"`
	PublicKeyHex string `json:"public_key_hex"`
}

type genesisFile struct {
	Validators []genesisRecord `json:"validators"`
}

func genesisPath(dataDir string) string {
	return filepath.Join(dataDir, "genesis.json")
}

func writeGenesisValidators(dataDir string, recs []validator.Record) error {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return err
	}
	gf := genesisFile{Validators: make([]genesisRecord, len(recs))}
	for i, r := range recs {
		gf.Validators[i] = genesisRecord{
			AddressHex:   hex.EncodeToString(r.Address[:]),
			PublicKeyHex: hex.EncodeToString(r.PublicKey[:]),
		}
	}
	raw, err := json.MarshalIndent(gf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(genesisPath(dataDir), raw, 0o644)
}

// loadGenesisValidators returns the persisted genesis set, or nil if
// none was written yet -- findagnode.New only seeds a brand-new store
// from this slice, so a missing file just means "rely on the store's
// own persisted validator records" (e.g. a node joining an already-
// initialized network).
func loadGenesisValidators(dataDir string) ([]validator.Record, error) {
	raw, err := os.ReadFile(genesisPath(dataDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var gf genesisFile
	if err := json.Unmarshal(raw, &gf); err != nil {
		return nil, err
	}
	out := make([]validator.Record, 0, len(gf.Validators))
	for _, r := range gf.Validators {
		addrRaw, err := hex.DecodeString(r.AddressHex)
		if err != nil || len(addrRaw) != len(model.Address{}) {
			return nil, fmt.Errorf("genesis: invalid address %q", r.AddressHex)
		}
		pubRaw, err := hex.DecodeString(r.PublicKeyHex)
		if err != nil || len(pubRaw) != len(fincrypto.PublicKey{}) {
			return nil, fmt.Errorf("genesis: invalid public key %q", r.PublicKeyHex)
		}
		var addr model.Address
		copy(addr[:], addrRaw)
		var pub fincrypto.PublicKey
		copy(pub[:], pubRaw)
		out = append(out, validator.Record{Address: addr, PublicKey: pub, Status: validator.StatusActive})
	}
	return out, nil
}
