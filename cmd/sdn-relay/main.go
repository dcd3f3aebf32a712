// Package main provides the entry point for the SDN relay, a store-and-forward
// mailbox for end-to-end encrypted messages addressed to secp256k1 keys.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/spacedatanetwork/sdn-relay/internal/address"
	"github.com/spacedatanetwork/sdn-relay/internal/api"
	"github.com/spacedatanetwork/sdn-relay/internal/auth"
	"github.com/spacedatanetwork/sdn-relay/internal/config"
	"github.com/spacedatanetwork/sdn-relay/internal/payment"
	"github.com/spacedatanetwork/sdn-relay/internal/proofcodec"
	"github.com/spacedatanetwork/sdn-relay/internal/relay"
	"github.com/spacedatanetwork/sdn-relay/internal/storage"
)

var log = logging.Logger("sdn-relay")

var rootCmd = &cobra.Command{
	Use:   "sdn-relay",
	Short: "SDN relay - paid mailbox for encrypted messages",
	Long: `sdn-relay accepts end-to-end encrypted messages for secp256k1 addresses.
Each message must carry an unused payment proof covering its fee. Stored
messages can only be listed, fetched or deleted by the address owner, and
are evicted once their retention period ends.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			logging.SetAllLoggers(logging.LevelDebug)
		} else {
			logging.SetAllLoggers(logging.LevelInfo)
		}
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the relay daemon",
	Long:  `Start the relay HTTP API and the background eviction sweeper.`,
	RunE:  runDaemon,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize relay configuration",
	Long:  `Write a default configuration with a freshly generated payment secret.`,
	RunE:  runInit,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Evict expired messages once and exit",
	RunE:  runSweep,
}

var mintCmd = &cobra.Command{
	Use:   "mint",
	Short: "Mint a payment proof with the configured secret",
	Long: `Mint prints a base64 proof token encoded with the configured proof codec.
It is meant for operators and tests; production proofs come from the payment
service sharing the secret.`,
	RunE: runMint,
}

var addressCmd = &cobra.Command{
	Use:   "address <hex-pubkey>",
	Short: "Print the relay address for a public key",
	Args:  cobra.ExactArgs(1),
	RunE:  runAddress,
}

var (
	configPath string
	listenAddr string
	debug      bool
	force      bool

	mintID     string
	mintAmount uint64
	mintTTL    time.Duration
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	daemonCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "override listen address")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")

	mintCmd.Flags().StringVar(&mintID, "id", "", "proof id (random when empty)")
	mintCmd.Flags().Uint64Var(&mintAmount, "amount", 0, "amount covered by the proof")
	mintCmd.Flags().DurationVar(&mintTTL, "ttl", 0, "proof lifetime (0 for no expiry)")
	_ = mintCmd.MarkFlagRequired("amount")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(mintCmd)
	rootCmd.AddCommand(addressCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (storage.Store, error) {
	if err := os.MkdirAll(cfg.Storage.Path, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.Open(cfg.Storage.Backend, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return store, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.API.Listen = listenAddr
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	verifier, err := payment.NewVerifier([]byte(cfg.Payments.HMACSecret), payment.WithLeeway(cfg.LeewayDuration()))
	if err != nil {
		return fmt.Errorf("failed to create payment verifier: %w", err)
	}
	codec, err := proofcodec.Lookup(cfg.Payments.ProofCodec)
	if err != nil {
		return err
	}

	var relayOpts []relay.Option
	if cfg.Websocket.Enabled {
		relayOpts = append(relayOpts, relay.WithBroker(relay.NewBroker(relay.DefaultBrokerBuffer)))
	}

	engine, err := relay.NewAdmissionEngine(store, verifier, relay.AdmissionConfig{
		MaxPayloadSize: cfg.Relay.MaxPayloadSize,
		Retention:      cfg.RetentionDuration(),
		Fee:            payment.Fee{Base: cfg.Relay.BaseFee, PerByte: cfg.Relay.RatePerByte},
	}, relayOpts...)
	if err != nil {
		return fmt.Errorf("failed to create admission engine: %w", err)
	}

	retrieval, err := relay.NewRetrievalService(store, auth.NewVerifier(cfg.ClockSkew()),
		append(relayOpts, relay.WithPageSize(cfg.API.PageSize))...)
	if err != nil {
		return fmt.Errorf("failed to create retrieval service: %w", err)
	}

	profiles, err := relay.NewProfileService(store, cfg.Relay.MaxProfileSize)
	if err != nil {
		return fmt.Errorf("failed to create profile service: %w", err)
	}

	sweeper := relay.NewSweeper(store, relay.SweeperConfig{
		Interval:  cfg.SweepInterval(),
		BatchSize: cfg.Sweeper.BatchSize,
	})
	sweeper.Start(ctx)
	defer sweeper.Stop()

	limiter := api.NewClientRateLimiter(api.RateLimitConfig{
		MaxRequestsPerSecond: cfg.API.MaxRequestsPerSecond,
		Burst:                cfg.API.Burst,
	})
	defer limiter.Close()

	handler := api.NewHandler(engine, retrieval, profiles, codec, limiter, sweeper, api.Config{
		MaxPayloadSize:   cfg.Relay.MaxPayloadSize,
		PageSize:         cfg.API.PageSize,
		MaxProfileSize:   cfg.Relay.MaxProfileSize,
		PingInterval:     cfg.PingInterval(),
		TruncationLength: cfg.Websocket.TruncationLength,
	})
	defer handler.Close()
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              cfg.API.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	tlsSettings := api.TLSConfig{
		CertFile:        cfg.API.TLS.CertFile,
		KeyFile:         cfg.API.TLS.KeyFile,
		AutocertDomains: cfg.API.TLS.AutocertDomains,
		CacheDir:        cfg.CertCacheDir(),
	}
	scheme := "http"
	var challengeServer *http.Server
	if tlsSettings.Enabled() {
		tlsCfg, challenge, err := api.ServerTLS(tlsSettings)
		if err != nil {
			return err
		}
		server.TLSConfig = tlsCfg
		scheme = "https"
		if challenge != nil {
			challengeServer = &http.Server{
				Addr:              cfg.API.TLS.ChallengeListen,
				Handler:           challenge,
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				log.Infof("Serving ACME challenges on %s", challengeServer.Addr)
				if err := challengeServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Warnf("Challenge server error: %v", err)
				}
			}()
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("Relay API available at %s://%s/api/v1/messages", scheme, cfg.API.Listen)
		var err error
		if server.TLSConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	log.Infof("Relay started (storage=%s, codec=%s, retention=%s)",
		cfg.Storage.Backend, codec.Name(), cfg.RetentionDuration())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("API server failed: %w", err)
		}
	}

	log.Info("Shutting down...")
	handler.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("API server shutdown error: %v", err)
	}
	if challengeServer != nil {
		if err := challengeServer.Shutdown(shutdownCtx); err != nil {
			log.Warnf("Challenge server shutdown error: %v", err)
		}
	}
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("failed to generate secret: %w", err)
	}

	cfg := config.Default()
	cfg.Payments.HMACSecret = hex.EncodeToString(secret)

	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	log.Infof("Initialized relay configuration at %s", path)
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	sweeper := relay.NewSweeper(store, relay.SweeperConfig{BatchSize: cfg.Sweeper.BatchSize})

	var total int
	for {
		n, err := sweeper.SweepOnce(cmd.Context())
		if err != nil {
			return fmt.Errorf("sweep failed: %w", err)
		}
		total += n
		if n < cfg.Sweeper.BatchSize {
			break
		}
	}
	log.Infof("Sweep complete: %d messages evicted", total)
	return nil
}

func runMint(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	issuer, err := payment.NewIssuer([]byte(cfg.Payments.HMACSecret))
	if err != nil {
		return err
	}
	codec, err := proofcodec.Lookup(cfg.Payments.ProofCodec)
	if err != nil {
		return err
	}

	id := []byte(mintID)
	if len(id) == 0 {
		id = make([]byte, 16)
		if _, err := rand.Read(id); err != nil {
			return fmt.Errorf("failed to generate proof id: %w", err)
		}
	}
	var notAfter time.Time
	if mintTTL > 0 {
		notAfter = time.Now().Add(mintTTL)
	}

	tok, err := issuer.Mint(id, mintAmount, notAfter)
	if err != nil {
		return err
	}
	raw, err := codec.Encode(tok)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(raw))
	return nil
}

func runAddress(cmd *cobra.Command, args []string) error {
	pub, err := hex.DecodeString(args[0])
	if err != nil {
		return fmt.Errorf("%w: %v", address.ErrInvalidAddress, err)
	}
	addr, err := address.Resolve(pub)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), addr.String())
	return nil
}
