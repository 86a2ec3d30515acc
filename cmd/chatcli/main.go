// Command chatcli is a headless chat client: it keeps a session and a
// realtime connection up, and drives chats and calls from a line prompt.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"chatlink/internal/apiclient"
	"chatlink/internal/apperr"
	"chatlink/internal/call"
	"chatlink/internal/config"
	"chatlink/internal/logger"
	"chatlink/internal/realtime"
	"chatlink/internal/session"
	"chatlink/internal/signaling"
	"chatlink/internal/wire"
)

type loginFlags struct {
	email    string
	register string
}

func main() {
	var lf loginFlags
	pflag.StringVar(&lf.email, "email", "", "account email, used when no session is stored")
	pflag.StringVar(&lf.register, "register", "", "create an account with this display name first")
	cfg, err := config.LoadClient(pflag.CommandLine, os.Args[1:])
	if err != nil {
		slog.Error("❌ Invalid configuration", "err", err)
		os.Exit(1)
	}
	log := logger.New(logger.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON})
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lf, log); err != nil && !errors.Is(err, errQuit) {
		log.Error("❌ Client stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Client, lf loginFlags, log *slog.Logger) error {
	wsURL, err := cfg.WebSocketURL()
	if err != nil {
		return err
	}

	// 1. Session
	auth := apiclient.NewAuthClient(cfg.APIURL, nil)
	sess := session.NewManager(auth, session.NewFileTokenStore(cfg.TokenStorePath), cfg.TokenExpiryMargin, log)
	api := apiclient.New(cfg.APIURL, sess, nil)

	// 2. Realtime connection, driven by session events
	rt := realtime.NewManager(sess, api, realtime.Options{
		URL:               wsURL,
		ReconnectDelay:    cfg.ReconnectDelay,
		HeartBeatIncoming: cfg.HeartbeatIncoming,
		HeartBeatOutgoing: cfg.HeartbeatOutgoing,
		ConnectionTimeout: cfg.ConnectionTimeout,
	}, log)
	defer sess.Subscribe(rt.HandleSessionEvent)()

	stdin := bufio.NewReader(os.Stdin)
	current, err := login(ctx, sess, lf, stdin)
	if err != nil {
		return err
	}
	log.Info("✅ Logged in", "user", current.User.Name, "id", current.User.ID)

	// 3. Calls
	relay := signaling.NewRelay(rt.Presence, log)
	relay.Start(rt)
	defer relay.Stop()
	calls := call.NewController(relay, call.Config{
		Self:       wire.UserID(current.User.ID),
		Media:      call.SyntheticSource{},
		NewPeer:    call.NewPionFactory(call.PionOptions{}),
		ICEServers: call.ICEServers(cfg.ICEServers),
		Publisher:  rt,
		Log:        log,
	})

	c := &cli{
		out:   os.Stdout,
		self:  current.User,
		sess:  sess,
		api:   api,
		rt:    rt,
		relay: relay,
		calls: calls,
		log:   log,
	}
	defer c.closeConversation()
	defer relay.OnIncomingCall(c.ring)()
	defer rt.OnConnectionChange(func(up bool) {
		if up {
			c.printf("* connected")
		} else {
			c.printf("* disconnected")
		}
	})()
	defer sess.Subscribe(func(e session.Event) {
		if e.Type == session.EventEnded && e.Reason != nil {
			c.printf("* session ended: %v", e.Reason)
		}
	})()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := rt.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sess.Run(ctx, cfg.ReconnectDelay)
		return nil
	})
	g.Go(func() error {
		return c.loop(ctx, readLines(stdin))
	})
	err = g.Wait()
	if n := calls.Active(); n != nil {
		n.Hangup()
	}
	return err
}

// login resumes the stored session, falling back to the flags and prompts.
func login(ctx context.Context, sess *session.Manager, lf loginFlags, in *bufio.Reader) (session.Session, error) {
	if lf.register == "" {
		s, err := sess.Restore(ctx)
		if err == nil {
			return s, nil
		}
		if !apperr.IsUnauthenticated(err) {
			return session.Session{}, err
		}
	}

	email := lf.email
	if email == "" {
		fmt.Fprint(os.Stderr, "Email: ")
		line, err := in.ReadString('\n')
		if err != nil {
			return session.Session{}, errQuit
		}
		email = strings.TrimSpace(line)
	}
	password, err := readPassword(in)
	if err != nil {
		return session.Session{}, err
	}

	if lf.register != "" {
		return sess.Register(ctx, apiclient.Registration{
			Email:                email,
			Name:                 lf.register,
			Password:             password,
			PasswordConfirmation: password,
		})
	}
	return sess.Login(ctx, email, password)
}

// readPassword reads without echo on a terminal, or the next line otherwise.
func readPassword(in *bufio.Reader) (string, error) {
	fmt.Fprint(os.Stderr, "Password: ")
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		return string(b), err
	}
	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return "", errQuit
	}
	return strings.TrimSpace(line), nil
}

// readLines feeds stdin to the prompt. The reader goroutine is abandoned at
// exit.
func readLines(r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			out <- sc.Text()
		}
	}()
	return out
}
