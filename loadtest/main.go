// Command loadtest drives pairs of users through the client stack: each pair
// logs in, connects over STOMP and trades messages in one conversation.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"chatlink/internal/apiclient"
	"chatlink/internal/apperr"
	"chatlink/internal/config"
	"chatlink/internal/logger"
	"chatlink/internal/realtime"
	"chatlink/internal/session"
	"chatlink/internal/thread"
)

type options struct {
	apiURL      string
	pairs       int
	messages    int
	concurrency int
	rate        float64
	timeout     time.Duration
	password    string

	// run tags this run's messages so earlier runs' history is not counted.
	run   string
	wsURL string
}

type totals struct {
	sent     atomic.Int64
	received atomic.Int64
	failed   atomic.Int64
}

func main() {
	var o options
	pflag.StringVar(&o.apiURL, "api-url", "http://localhost:8080", "chat server base URL")
	pflag.IntVar(&o.pairs, "pairs", 50, "number of user pairs")
	pflag.IntVar(&o.messages, "messages", 20, "messages sent by each user")
	pflag.IntVar(&o.concurrency, "concurrency", 25, "pairs running at once")
	pflag.Float64Var(&o.rate, "rate", 100, "messages per second per user")
	pflag.DurationVar(&o.timeout, "timeout", time.Minute, "time allowed for one pair")
	pflag.StringVar(&o.password, "password", "password123", "password for the generated users")
	logLevel := pflag.String("log-level", "info", "log level (debug, info, warn, error)")
	pflag.Parse()

	log := logger.New(logger.Options{Level: *logLevel})
	wsURL, err := (&config.Client{APIURL: o.apiURL}).WebSocketURL()
	if err != nil {
		log.Error("❌ Invalid api url", "err", err)
		os.Exit(1)
	}
	o.wsURL = wsURL
	o.run = uuid.NewString()[:8]
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("🔥 Starting load test", "run", o.run, "users", o.pairs*2, "messages_each", o.messages)
	start := time.Now()
	var t totals

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for i := 0; i < o.pairs; i++ {
		g.Go(func() error {
			if err := runPair(ctx, o, i, &t, log); err != nil {
				t.failed.Add(1)
				log.Warn("❌ Pair failed", "pair", i, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Info("✅ Load test complete",
		"elapsed", time.Since(start).Round(time.Millisecond),
		"sent", t.sent.Load(),
		"received", t.received.Load(),
		"failed_pairs", t.failed.Load(),
	)
	if t.failed.Load() > 0 {
		os.Exit(1)
	}
}

// client is one simulated user.
type client struct {
	sess *session.Manager
	api  *apiclient.Client
	rt   *realtime.Manager
	id   int
}

func newClient(ctx context.Context, o options, email, name string, log *slog.Logger) (*client, error) {
	sess := session.NewManager(apiclient.NewAuthClient(o.apiURL, nil), &session.MemoryTokenStore{}, 30*time.Second, log)
	api := apiclient.New(o.apiURL, sess, nil)
	rt := realtime.NewManager(sess, api, realtime.Options{
		URL:               o.wsURL,
		ReconnectDelay:    time.Second,
		HeartBeatIncoming: 10 * time.Second,
		HeartBeatOutgoing: 10 * time.Second,
		ConnectionTimeout: 10 * time.Second,
	}, log)
	sess.Subscribe(rt.HandleSessionEvent)

	s, err := sess.Register(ctx, apiclient.Registration{Email: email, Name: name, Password: o.password, PasswordConfirmation: o.password})
	if apperr.CodeOf(err) == apperr.CodeAlreadyExists {
		s, err = sess.Login(ctx, email, o.password)
	}
	if err != nil {
		return nil, fmt.Errorf("authenticating %s: %w", email, err)
	}
	return &client{sess: sess, api: api, rt: rt, id: s.User.ID}, nil
}

// connected waits for the realtime connection.
func (c *client) connected(ctx context.Context) error {
	up := make(chan struct{}, 1)
	defer c.rt.OnConnectionChange(func(ok bool) {
		if ok {
			select {
			case up <- struct{}{}:
			default:
			}
		}
	})()
	if c.rt.Connected() {
		return nil
	}
	select {
	case <-up:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func runPair(ctx context.Context, o options, pair int, t *totals, log *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	log = log.With("pair", pair)

	a, err := newClient(ctx, o, fmt.Sprintf("lt_%d_a@load.test", pair), fmt.Sprintf("lt_%d_a", pair), log)
	if err != nil {
		return err
	}
	b, err := newClient(ctx, o, fmt.Sprintf("lt_%d_b@load.test", pair), fmt.Sprintf("lt_%d_b", pair), log)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	for _, c := range []*client{a, b} {
		go func() {
			if err := c.rt.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Debug("realtime stopped", "user", c.id, "err", err)
			}
		}()
	}

	for _, side := range [][2]*client{{a, b}, {b, a}} {
		self, peer := side[0], side[1]
		g.Go(func() error {
			if err := self.connected(ctx); err != nil {
				return fmt.Errorf("user %d never connected: %w", self.id, err)
			}
			conv, err := thread.Open(ctx, self.rt, self.api, self.rt.Latest, self.id, peer.id, log)
			if err != nil {
				return err
			}
			defer conv.Close()

			limiter := rate.NewLimiter(rate.Limit(o.rate), 1)
			for i := 0; i < o.messages; i++ {
				if err := limiter.Wait(ctx); err != nil {
					return err
				}
				if _, err := conv.Send(fmt.Sprintf("load test %s #%d from %d", o.run, i, self.id)); err != nil {
					return err
				}
				t.sent.Add(1)
			}

			// Deliveries are merged by id, so counting the thread is exact.
			ticker := time.NewTicker(50 * time.Millisecond)
			defer ticker.Stop()
			for {
				n := fromPeer(conv.Entries(), peer.id, o.run)
				if n >= o.messages {
					t.received.Add(int64(n))
					break
				}
				select {
				case <-ticker.C:
				case <-ctx.Done():
					t.received.Add(int64(n))
					return fmt.Errorf("user %d got %d of %d messages: %w", self.id, n, o.messages, ctx.Err())
				}
			}
			return nil
		})
	}
	err = g.Wait()
	for _, c := range []*client{a, b} {
		if logoutErr := c.sess.Logout(); logoutErr != nil {
			log.Debug("logout", "err", logoutErr)
		}
	}
	return err
}

func fromPeer(entries []thread.Entry, peer int, run string) int {
	n := 0
	for _, e := range entries {
		if e.SenderID == peer && strings.Contains(e.Content, run) {
			n++
		}
	}
	return n
}
