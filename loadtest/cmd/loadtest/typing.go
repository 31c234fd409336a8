package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/inbox/internal/protocol"
	"github.com/whisper/inbox/loadtest/client"
	"github.com/whisper/inbox/loadtest/stats"
)

// runTyping connects pairs of clients, each in its own room, and has the
// first of every pair send alternating typing signals to the second. Every
// signal is timed from send to delivery, so the relay's full path (dispatch,
// bus publish, room fan-out) is measured.
func runTyping(args []string) {
	fs := flag.NewFlagSet("typing", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:3001/ws", "relay WebSocket URL")
	metricsURL := fs.String("metrics", "", "relay /metrics URL to scrape (optional)")
	pairs := fs.Int("pairs", 100, "Number of sender/receiver pairs")
	duration := fs.Duration("duration", 30*time.Second, "How long each pair keeps signalling")
	interval := fs.Duration("interval", 600*time.Millisecond, "Delay between signals per pair (the relay allows 20 per 10s)")
	timeout := fs.Duration("timeout", 5*time.Second, "How long to wait for each delivery")
	fs.Parse(args)

	fmt.Printf("Typing test: %d pairs against %s (duration=%s, interval=%s)\n",
		*pairs, *url, *duration, *interval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	if *metricsURL != "" {
		scraper := stats.NewScraper(*metricsURL, 2*time.Second)
		scraper.Start(ctx)
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	runCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			runPair(runCtx, *url, i, *interval, *timeout, collector)
		}(i)
	}

	progress := time.NewTicker(5 * time.Second)
	defer progress.Stop()
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

wait:
	for {
		select {
		case <-finished:
			break wait
		case <-progress.C:
			fmt.Printf("  [typing] connections: %d  delivered: %d  errors: %d\n",
				collector.ConnectionCount(), collector.RelayCount(), collector.ErrorCount())
		}
	}

	collector.Report()
}

func runPair(ctx context.Context, url string, i int, interval, timeout time.Duration, collector *stats.Collector) {
	senderRoom := protocol.ID(fmt.Sprintf("typing-a-%d", i))
	receiverRoom := protocol.ID(fmt.Sprintf("typing-b-%d", i))

	sender, err := connect(ctx, url, senderRoom, collector)
	if err != nil {
		return
	}
	defer sender.Close()
	receiver, err := connect(ctx, url, receiverRoom, collector)
	if err != nil {
		return
	}
	defer receiver.Close()

	delivered := make(chan protocol.Typing, 1)
	receiver.On(protocol.TypeTyping, func(payload interface{}) {
		t, ok := payload.(protocol.Typing)
		if !ok {
			return
		}
		select {
		case delivered <- t:
		default:
		}
	})
	sender.On(protocol.TypeRateLimited, func(interface{}) { collector.AddRateLimited() })

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	isTyping := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sentAt := time.Now()
		if err := sender.Typing(receiverRoom, senderRoom, isTyping); err != nil {
			collector.AddError()
			return
		}

		select {
		case t := <-delivered:
			if t.From != senderRoom || t.IsTyping != isTyping {
				collector.AddError()
				continue
			}
			collector.AddRelayLatency(time.Since(sentAt))
		case <-time.After(timeout):
			collector.AddTimeout()
		case <-ctx.Done():
			return
		}
		isTyping = !isTyping
	}
}

func connect(ctx context.Context, url string, room protocol.ID, collector *stats.Collector) (*client.Client, error) {
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := client.New(connCtx, url)
	if err != nil {
		collector.AddError()
		return nil, err
	}
	if err := c.Join(room); err != nil {
		collector.AddError()
		c.Close()
		return nil, err
	}
	if err := c.Ready(connCtx); err != nil {
		collector.AddError()
		c.Close()
		return nil, err
	}
	collector.AddConnect(c.GetMetrics().ReadyLatency)
	return c, nil
}
