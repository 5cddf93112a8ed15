// Command node runs an RPC node: libp2p transport, authenticated sessions
// and the HTTP status API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ZentaChain/zentalk-rpc/pkg/api"
	"github.com/ZentaChain/zentalk-rpc/pkg/auth"
	"github.com/ZentaChain/zentalk-rpc/pkg/config"
	"github.com/ZentaChain/zentalk-rpc/pkg/logging"
	"github.com/ZentaChain/zentalk-rpc/pkg/network"
	"github.com/ZentaChain/zentalk-rpc/pkg/rpc"
	"github.com/ZentaChain/zentalk-rpc/pkg/storage"
	"github.com/ZentaChain/zentalk-rpc/pkg/transport"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	configPath = flag.String("config", "", "Path to TOML config file")
	port       = flag.Int("port", 0, "P2P listen port (overrides config)")
	apiPort    = flag.Int("api-port", -1, "HTTP API port, 0 disables (overrides config)")
	dataDir    = flag.String("data", "", "Data directory (overrides config)")
	connect    = flag.String("connect", "", "Comma-separated peers to authenticate with (peer IDs or /p2p multiaddrs)")
)

func main() {
	flag.Parse()
	logging.ConfigureRuntime()

	if err := run(); err != nil {
		log := logging.Component("node")
		log.Fatal().Err(err).Msg("node failed")
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logging.Apply(logging.Config{Level: cfg.LogLevel, Timestamp: true, JSON: cfg.LogJSON})
	log := logging.Component("node")

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	settings, err := storage.Open(cfg.SettingsPath())
	if err != nil {
		return err
	}
	defer settings.Close()

	if err := seedSettings(settings, cfg); err != nil {
		return err
	}
	accept, err := settings.AcceptIncoming()
	if err != nil {
		return err
	}
	cfg.Network.AcceptIncoming = cfg.Network.AcceptIncoming && accept

	identity, err := loadOrCreateIdentity(settings)
	if err != nil {
		return err
	}

	p2p := transport.NewP2P(transport.P2PConfig{
		ListenHost:     cfg.ListenHost,
		Port:           cfg.Port,
		PrivateKey:     identity,
		BootstrapPeers: cfg.BootstrapPeers,
	})

	registry := rpc.NewRegistry()
	manager := network.NewManager(p2p, registry, cfg.Network)
	proto := auth.New(settings, auth.Options{AcceptIncoming: manager.AcceptIncoming})
	if err := proto.Register(registry); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}
	defer manager.Close()

	for _, addr := range p2p.Addrs() {
		log.Info().Str("addr", addr).Msg("listening")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	for _, target := range cfg.ConnectPeers {
		peerID := target
		if strings.HasPrefix(target, "/") {
			peerID, err = p2p.AddPeer(ctx, target)
			if err != nil {
				log.Warn().Err(err).Str("addr", target).Msg("cannot dial peer, relying on DHT lookup")
				continue
			}
		}
		log.Info().Str("peer", peerID).Msg("maintaining session")
		g.Go(func() error {
			manager.Maintain(gctx, peerID, proto)
			return nil
		})
	}

	if cfg.APIPort > 0 {
		apiConfig := api.DefaultConfig()
		apiConfig.Port = cfg.APIPort
		server := api.NewServer(&nodeNetwork{Manager: manager, settings: settings, log: log}, proto, apiConfig)
		g.Go(func() error { return server.Start(gctx) })
	}

	err = g.Wait()
	log.Info().Msg("shutting down")
	return err
}

func loadConfig() (config.Config, error) {
	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return config.Config{}, err
		}
	}

	if *port > 0 {
		cfg.Port = *port
	}
	if *apiPort >= 0 {
		cfg.APIPort = *apiPort
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *connect != "" {
		for _, p := range strings.Split(*connect, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.ConnectPeers = append(cfg.ConnectPeers, p)
			}
		}
	}
	return cfg, cfg.Validate()
}

func seedSettings(settings *storage.Settings, cfg config.Config) error {
	if len(cfg.ClusterSecret) > 0 {
		if err := settings.SetClusterSecret(cfg.ClusterSecret); err != nil {
			return err
		}
	}
	if cfg.AdminUsername != "" {
		if err := settings.SetAdminCredentials(cfg.AdminUsername, cfg.AdminPassword); err != nil {
			return err
		}
	}
	return nil
}

// nodeNetwork persists accept-incoming changes made through the API
type nodeNetwork struct {
	*network.Manager
	settings *storage.Settings
	log      zerolog.Logger
}

func (n *nodeNetwork) SetAcceptIncoming(accept bool) {
	n.Manager.SetAcceptIncoming(accept)
	if err := n.settings.SetAcceptIncoming(accept); err != nil {
		n.log.Error().Err(err).Msg("failed to persist accept-incoming flag")
	}
}
