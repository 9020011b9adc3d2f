// Package main implements the entry point for a cloud node: one member
// of the distributed object network, serving its entities to peers and
// clients over NATS.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	"github.com/Coflnet/cloud-sub001/auth"
	"github.com/Coflnet/cloud-sub001/config"
	"github.com/Coflnet/cloud-sub001/core"
	"github.com/Coflnet/cloud-sub001/health"
	"github.com/Coflnet/cloud-sub001/identity"
	"github.com/Coflnet/cloud-sub001/metric"
	"github.com/Coflnet/cloud-sub001/natsclient"
	"github.com/Coflnet/cloud-sub001/transit"
	"github.com/Coflnet/cloud-sub001/transport"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "cloudnode"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := setupLogger(logSettings(cliCfg, cfg))
	slog.SetDefault(logger)

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "config_path", cliCfg.ConfigPath)
		return nil
	}

	slog.Info("Starting cloud node",
		"version", Version,
		"build_time", BuildTime,
		"node", cfg.Node.ID().String(),
		"config_path", cliCfg.ConfigPath)

	signKey, err := nodeSigningKey(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor := health.NewMonitor()
	registry := metric.NewRegistry()
	coreMetrics := metric.NewCoreMetrics(registry)

	// NATS is optional in memory mode: a node without urls serves local
	// transports only and keeps its outbox queued for attached peers.
	var client *natsclient.Client
	if len(cfg.NATS.URLs) > 0 {
		client, err = natsclient.New(cfg.NATS, logger)
		if err != nil {
			return err
		}
		if err := client.Connect(ctx); err != nil {
			return err
		}
		defer client.Close()
		monitor.SetHealthy("nats", "connected")
	}

	store, err := buildStore(ctx, cfg, client)
	if err != nil {
		return err
	}

	opts := []core.Option{
		core.WithLogger(logger),
		core.WithMetrics(coreMetrics),
		core.WithTransitWorkers(cfg.Transit.Workers, cfg.Transit.QueueSize),
	}
	if cfg.Transit.ReplayInterval > 0 {
		opts = append(opts, core.WithReplayInterval(cfg.Transit.ReplayInterval))
	}
	authOpt, err := buildAuth(cfg)
	if err != nil {
		return err
	}
	if authOpt != nil {
		opts = append(opts, authOpt)
	}

	node, err := core.New(cfg.Node.ID(), signKey, store, opts...)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	if err := trustPeers(node, cfg); err != nil {
		return err
	}

	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	monitor.SetHealthy("core", "running")

	if client != nil {
		if err := attachTransport(node, cfg, client, logger); err != nil {
			return err
		}
	}

	var healthSrv *health.Server
	if cliCfg.HealthPort > 0 {
		healthSrv = health.NewServer(cliCfg.HealthPort, monitor, registry.PrometheusRegistry(), logger)
		healthSrv.Start()
	}

	slog.Info("Node running", "server", cfg.Node.ServerID, "peers", len(cfg.Node.Peers))
	<-ctx.Done()

	slog.Info("Shutting down", "timeout", cliCfg.ShutdownTimeout)
	if healthSrv != nil {
		if err := healthSrv.Stop(cliCfg.ShutdownTimeout); err != nil {
			slog.Warn("health server shutdown failed", "error", err)
		}
	}
	if err := node.Stop(cliCfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("stop node: %w", err)
	}
	slog.Info("Shutdown complete")
	return nil
}

// logSettings merges CLI overrides over the config file's log section.
func logSettings(cliCfg *CLIConfig, cfg *config.Config) (level, format string) {
	level = cfg.Log.Level
	if cliCfg.LogLevel != "" {
		level = cliCfg.LogLevel
	}
	format = "text"
	if cfg.Log.JSON {
		format = "json"
	}
	if cliCfg.LogFormat != "" {
		format = cliCfg.LogFormat
	}
	return level, format
}

// nodeSigningKey decodes the configured key, or generates an ephemeral
// one so a fresh node can come up without configuration.
func nodeSigningKey(cfg *config.Config) (ed25519.PrivateKey, error) {
	if cfg.Node.SigningKey != "" {
		raw, err := config.DecodeKey(cfg.Node.SigningKey, ed25519.PrivateKeySize)
		if err != nil {
			return nil, fmt.Errorf("node signing key: %w", err)
		}
		return ed25519.PrivateKey(raw), nil
	}

	pub, key, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	slog.Warn("no signing key configured, generated an ephemeral one; peers must re-trust after every restart",
		"public_key", base64.StdEncoding.EncodeToString(pub))
	return key, nil
}

func buildStore(ctx context.Context, cfg *config.Config, client *natsclient.Client) (transit.MessageStore, error) {
	if cfg.Transit.StorageMode != config.StorageModeKV {
		return transit.NewMemoryStore(), nil
	}
	if client == nil {
		return nil, fmt.Errorf("kv storage mode requires a nats connection")
	}
	bucket, err := client.OutboxBucket(ctx)
	if err != nil {
		return nil, fmt.Errorf("outbox bucket: %w", err)
	}
	return transit.NewKVStore(bucket)
}

func buildAuth(cfg *config.Config) (core.Option, error) {
	var issuer *auth.Issuer
	var verifier *auth.Verifier

	if cfg.Auth.IssuerKey != "" {
		raw, err := config.DecodeKey(cfg.Auth.IssuerKey, ed25519.PrivateKeySize)
		if err != nil {
			return nil, fmt.Errorf("auth issuer key: %w", err)
		}
		issuer, err = auth.NewIssuer(ed25519.PrivateKey(raw))
		if err != nil {
			return nil, err
		}
	}
	if cfg.Auth.TrustedKey != "" {
		raw, err := config.DecodeKey(cfg.Auth.TrustedKey, ed25519.PublicKeySize)
		if err != nil {
			return nil, fmt.Errorf("auth trusted key: %w", err)
		}
		verifier, err = auth.NewVerifier(ed25519.PublicKey(raw))
		if err != nil {
			return nil, err
		}
	}

	if issuer == nil && verifier == nil {
		return nil, nil
	}
	return core.WithAuth(issuer, verifier), nil
}

// trustPeers loads the configured peer public keys into the node's key
// ring so signed envelopes from those servers verify.
func trustPeers(node *core.Core, cfg *config.Config) error {
	for peer, encoded := range cfg.Node.PeerKeys {
		serverID, err := strconv.ParseUint(peer, 10, 64)
		if err != nil {
			return fmt.Errorf("peer key id %q: %w", peer, err)
		}
		raw, err := config.DecodeKey(encoded, ed25519.PublicKeySize)
		if err != nil {
			return fmt.Errorf("peer key %s: %w", peer, err)
		}
		node.Keys().Add(identity.NewEntityID(serverID, 0), ed25519.PublicKey(raw))
	}
	return nil
}

func attachTransport(node *core.Core, cfg *config.Config, client *natsclient.Client, logger *slog.Logger) error {
	conn, err := client.Conn()
	if err != nil {
		return err
	}
	nt, err := transport.NewNATSTransport(conn, cfg.Node.ServerID, node.HandleReceive, logger)
	if err != nil {
		return fmt.Errorf("nats transport: %w", err)
	}
	for _, peer := range cfg.Node.Peers {
		if peer == cfg.Node.ServerID {
			continue
		}
		node.AttachNode(peer, nt.Connect(peer))
	}
	return nil
}
