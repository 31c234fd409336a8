package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/inbox/internal/api"
	"github.com/whisper/inbox/internal/config"
	"github.com/whisper/inbox/internal/identity"
	"github.com/whisper/inbox/internal/metrics"
	"github.com/whisper/inbox/internal/protocol"
	"github.com/whisper/inbox/internal/session"
	"github.com/whisper/inbox/internal/transport"
)

func main() {
	cfg, err := config.LoadClient(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openIdentityStore(cfg)
	if err != nil {
		log.Fatalf("identity: %v", err)
	}
	defer closeStore()

	client, err := api.New(api.Config{BaseURL: cfg.BackendURL, Timeout: cfg.RequestTimeout}, nil)
	if err != nil {
		log.Fatalf("api: %v", err)
	}
	endpoint, err := transport.EndpointFromBase(cfg.BackendURL, cfg.ChannelPath)
	if err != nil {
		log.Fatalf("channel: %v", err)
	}

	stdin := bufio.NewScanner(os.Stdin)
	me, err := authenticate(ctx, store, client, stdin, os.Stdout)
	if err != nil {
		log.Fatalf("sign in: %v", err)
	}
	fmt.Printf("signed in as %s (%s)\n", me.Name, me.ID)

	kick := make(chan struct{}, 1)
	sessionConfig := session.DefaultConfig()
	sessionConfig.Endpoint = endpoint
	sessionConfig.HistoryLimit = cfg.HistoryLimit
	sessionConfig.Observer = observe(kick)

	ch := transport.New(transport.DefaultConfig(), nil)
	controller := session.New(me, ch, client, sessionConfig)
	defer controller.Close()

	if err := controller.Start(ctx); err != nil {
		// Load failures are already shown as notices.
		log.Printf("[inbox] start: %v", err)
	}

	ui := newREPL(controller, os.Stdout)
	ui.printf("%s\n", helpText)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ui.render(gctx, kick)
		return nil
	})
	if cfg.MetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Printf("[inbox] metrics on %s", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	// The scanner blocks on stdin, so the input loop is not part of the
	// group: a signal ends the program without waiting for a line.
	inputDone := make(chan error, 1)
	go func() { inputDone <- ui.run(gctx, stdin) }()

	var runErr error
	select {
	case runErr = <-inputDone:
	case <-gctx.Done():
	}
	stop()

	if errors.Is(runErr, errLogout) {
		if err := store.Clear(context.Background()); err != nil {
			log.Printf("[inbox] clear identity: %v", err)
		} else {
			fmt.Println("signed out")
		}
	}
	controller.Close()
	if err := g.Wait(); err != nil {
		log.Printf("[inbox] %v", err)
	}
}

// openIdentityStore picks Redis when an address is configured, else the
// identity file.
func openIdentityStore(cfg config.Client) (identity.Store, func(), error) {
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return identity.NewRedisStore(rdb, cfg.Profile), func() { rdb.Close() }, nil
	}
	path := cfg.IdentityFile
	if path == "" {
		path = identity.DefaultFilePath()
	}
	return identity.NewFileStore(path), func() {}, nil
}

// authenticator is the part of api.Client used to sign in.
type authenticator interface {
	Login(ctx context.Context, email, password string) (protocol.User, error)
	Register(ctx context.Context, name, email, password string) (protocol.User, error)
}

// authenticate returns the stored identity, or prompts for /login or
// /register until one succeeds and saves the result.
func authenticate(ctx context.Context, store identity.Store, auth authenticator, in *bufio.Scanner, out io.Writer) (protocol.User, error) {
	me, err := store.Load(ctx)
	if err == nil {
		return me, nil
	}
	if !errors.Is(err, identity.ErrNotFound) {
		return protocol.User{}, err
	}

	fmt.Fprintln(out, "not signed in: /login <email> <password> or /register <name> <email> <password>")
	for in.Scan() {
		cmd := parseCommand(in.Text())
		fields := strings.Fields(cmd.arg)
		switch {
		case cmd.name == "login" && len(fields) == 2:
			me, err = auth.Login(ctx, fields[0], fields[1])
		case cmd.name == "register" && len(fields) == 3:
			me, err = auth.Register(ctx, fields[0], fields[1], fields[2])
		case cmd.name == "quit":
			return protocol.User{}, errQuit
		default:
			fmt.Fprintln(out, "usage: /login <email> <password> | /register <name> <email> <password>")
			continue
		}
		if err != nil {
			if errors.Is(err, api.ErrStatus) {
				fmt.Fprintf(out, "! %v\n", err)
				continue
			}
			return protocol.User{}, err
		}
		if err := store.Save(ctx, me); err != nil {
			return protocol.User{}, fmt.Errorf("save identity: %w", err)
		}
		return me, nil
	}
	if err := in.Err(); err != nil {
		return protocol.User{}, err
	}
	return protocol.User{}, io.EOF
}
