package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/whisper/inbox/internal/ban"
	"github.com/whisper/inbox/internal/config"
	"github.com/whisper/inbox/internal/messaging"
	"github.com/whisper/inbox/internal/presence"
	"github.com/whisper/inbox/internal/ratelimit"
	"github.com/whisper/inbox/internal/relay"
	"github.com/whisper/inbox/internal/ws"
)

func main() {
	cfg, err := config.LoadRelay(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "inbox-relay-" + cfg.ServerName
	bus, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	presenceStore, err := presence.NewStore(cfg.RedisAddr, cfg.ServerName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	var limiter relay.Limiter
	var bans relay.Bans
	if cfg.RateLimit {
		limiter = ratelimit.NewLimiter(presenceStore.Client())
		banStore := ban.NewStore(presenceStore.Client())
		banStore.SetThreshold(cfg.BanThreshold)
		bans = banStore
	}

	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.ListenAddr
	serverConfig.WorkerPoolSize = cfg.WorkerPoolSize
	serverConfig.MaxConnections = cfg.MaxConnections
	serverConfig.ReadTimeout = cfg.ReadTimeout
	serverConfig.WriteTimeout = cfg.WriteTimeout

	log.Printf("inbox relay starting")
	log.Printf("  listen_addr:     %s", serverConfig.ListenAddr)
	log.Printf("  worker_pool:     %d", serverConfig.WorkerPoolSize)
	log.Printf("  max_connections: %d", serverConfig.MaxConnections)
	log.Printf("  read_timeout:    %s", serverConfig.ReadTimeout)
	log.Printf("  write_timeout:   %s", serverConfig.WriteTimeout)
	log.Printf("  nats_url:        %s", cfg.NATSURL)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  server_name:     %s", cfg.ServerName)
	log.Printf("  rate_limit:      %t", cfg.RateLimit)

	hub := relay.NewHub(bus, presenceStore, limiter)
	if bans != nil {
		hub.SetBans(bans)
	}
	dispatcher := ws.NewMessageDispatcher(nil)
	hub.Register(dispatcher)

	server := ws.NewServer(serverConfig, dispatcher.Dispatch)
	dispatcher.SetWriter(server)
	hub.SetSender(server)
	server.SetAdmit(hub.Admit)
	server.SetOnDisconnect(func(c *ws.Connection) { hub.Disconnect(c.ID) })

	if err := hub.Start(); err != nil {
		log.Fatalf("failed to subscribe to directory updates: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-ctx.Done()
		log.Printf("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		hub.Close()
		bus.Close()
		if cerr := presenceStore.Close(); cerr != nil {
			log.Printf("presence store close error: %v", cerr)
		}
		return err
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("relay: %v", err)
	}
}
