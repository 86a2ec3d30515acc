package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatlink/internal/apiclient"
	"chatlink/internal/apperr"
	"chatlink/internal/call"
	"chatlink/internal/realtime"
	"chatlink/internal/session"
	"chatlink/internal/signaling"
	"chatlink/internal/thread"
	"chatlink/internal/wire"
)

var errQuit = errors.New("quit")

const historyShown = 20

const helpText = `commands:
  /users               list users and the last message with each
  /open <id>           open the conversation with a user
  /msg <text>          send to the open conversation (bare text works too)
  /read                mark the open conversation read
  /name <name>         change your display name
  /call <id>           call a user
  /accept, /decline    answer or reject the ringing call
  /hangup              end the call
  /mute, /flip         toggle the microphone, switch camera
  /bg, /fg             send the app to the background and back
  /offline, /online    drop and restore the network
  /logout, /quit`

type cli struct {
	out   io.Writer
	self  wire.Me
	sess  *session.Manager
	api   *apiclient.Client
	rt    *realtime.Manager
	relay *signaling.Relay
	calls *call.Controller
	log   *slog.Logger

	outMu sync.Mutex

	mu   sync.Mutex
	conv *thread.Conversation
}

func (c *cli) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

func (c *cli) loop(ctx context.Context, lines <-chan string) error {
	c.printf("Hi %s, type /help for commands", c.self.Name)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			if err := c.exec(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return err
				}
				c.printf("! %v", err)
			}
		}
	}
}

type command struct {
	name string
	arg  string
}

// parse splits a prompt line. Text without a leading slash is a message.
func parse(line string) (command, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, false
	}
	if !strings.HasPrefix(line, "/") {
		return command{name: "msg", arg: line}, true
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	return command{name: strings.ToLower(name), arg: strings.TrimSpace(arg)}, true
}

func parseUserID(arg string) (int, error) {
	id, err := strconv.Atoi(arg)
	if err != nil || id <= 0 {
		return 0, apperr.InvalidArg("expected a user id, got " + strconv.Quote(arg))
	}
	return id, nil
}

func (c *cli) exec(ctx context.Context, line string) error {
	cmd, ok := parse(line)
	if !ok {
		return nil
	}
	switch cmd.name {
	case "help":
		c.printf("%s", helpText)
	case "users":
		c.listUsers()
	case "open":
		id, err := parseUserID(cmd.arg)
		if err != nil {
			return err
		}
		return c.open(ctx, id)
	case "msg":
		conv, err := c.conversation()
		if err != nil {
			return err
		}
		_, err = conv.Send(cmd.arg)
		return err
	case "read":
		conv, err := c.conversation()
		if err != nil {
			return err
		}
		return conv.MarkRead()
	case "name":
		if cmd.arg == "" {
			return apperr.InvalidArg("usage: /name <name>")
		}
		me, err := c.api.UpdateProfile(ctx, apiclient.ProfileUpdate{Name: &cmd.arg})
		if err != nil {
			return err
		}
		c.self.Name = me.Name
		c.printf("* you are now %s", me.Name)
	case "call":
		id, err := parseUserID(cmd.arg)
		if err != nil {
			return err
		}
		n, err := c.calls.Call(ctx, wire.UserID(id))
		if err != nil {
			return err
		}
		c.printf("📞 calling %s", c.label(id))
		c.follow(n)
	case "accept":
		n, err := c.calls.Accept(ctx)
		if err != nil {
			return err
		}
		c.follow(n)
	case "decline":
		return c.calls.Decline()
	case "hangup":
		return c.calls.Hangup()
	case "mute":
		n, err := c.activeCall()
		if err != nil {
			return err
		}
		n.SetMuted(!n.Muted())
		c.printf("* muted: %t", n.Muted())
	case "flip":
		n, err := c.activeCall()
		if err != nil {
			return err
		}
		c.printf("* camera: %s", n.FlipCamera())
	case "bg":
		c.rt.SetForeground(false)
	case "fg":
		c.rt.SetForeground(true)
	case "offline":
		c.rt.SetNetworkAvailable(false)
	case "online":
		c.rt.SetNetworkAvailable(true)
	case "logout":
		if err := c.sess.Logout(); err != nil {
			return err
		}
		return errQuit
	case "quit", "exit":
		return errQuit
	default:
		return apperr.InvalidArg("unknown command /" + cmd.name + ", try /help")
	}
	return nil
}

func (c *cli) label(id int) string {
	if u, ok := c.rt.Presence.Get(id); ok {
		return u.Name
	}
	return "#" + strconv.Itoa(id)
}

func (c *cli) listUsers() {
	users := c.rt.Presence.Snapshot()
	if len(users) == 0 {
		c.printf("* nobody here yet")
		return
	}
	for _, u := range users {
		if u.ID == c.self.ID {
			continue
		}
		status := "offline"
		switch {
		case u.IsOnline:
			status = "online"
		case u.LastSeen != nil:
			status = "last seen " + u.LastSeen.Local().Format(time.DateTime)
		}
		line := fmt.Sprintf("%4d  %-20s %s", u.ID, u.Name, status)
		if lm, ok := c.rt.Latest.Get(wire.RoomID(c.self.ID, u.ID)); ok {
			mark := " "
			if lm.SenderID == u.ID && !lm.ReadStatus {
				mark = "*"
			}
			from := u.Name
			if lm.SenderID == c.self.ID {
				from = "you"
			}
			line += fmt.Sprintf("  %s %s: %s", mark, from, lm.Content)
		}
		c.printf("%s", line)
	}
}

func (c *cli) open(ctx context.Context, peer int) error {
	c.closeConversation()
	conv, err := thread.Open(ctx, c.rt, c.api, c.rt.Latest, c.self.ID, peer, c.log)
	if err != nil {
		return err
	}
	name := c.label(peer)
	entries := conv.Entries()
	if len(entries) > historyShown {
		entries = entries[len(entries)-historyShown:]
	}
	c.printf("* conversation with %s", name)
	for _, e := range entries {
		c.printEntry(e, name)
	}
	conv.OnMessage(func(e thread.Entry) {
		if e.SenderID != c.self.ID {
			c.printEntry(e, name)
		}
	})

	c.mu.Lock()
	c.conv = conv
	c.mu.Unlock()
	return nil
}

func (c *cli) printEntry(e thread.Entry, peerName string) {
	from := peerName
	if e.SenderID == c.self.ID {
		from = "you"
	}
	c.printf("[%s] %s: %s", e.Timestamp.Local().Format(time.TimeOnly), from, e.Content)
}

func (c *cli) conversation() (*thread.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conv == nil {
		return nil, apperr.FailedPrecondition("no conversation open, use /open <id>")
	}
	return c.conv, nil
}

func (c *cli) closeConversation() {
	c.mu.Lock()
	conv := c.conv
	c.conv = nil
	c.mu.Unlock()
	if conv != nil {
		conv.Close()
	}
}

func (c *cli) activeCall() (*call.Negotiator, error) {
	n := c.calls.Active()
	if n == nil {
		return nil, apperr.FailedPrecondition("no active call")
	}
	return n, nil
}

func (c *cli) follow(n *call.Negotiator) {
	n.OnStateChange(func(s call.State) {
		if s != call.StateClosed {
			c.printf("* call %s", s)
		}
	})
	go func() {
		<-n.Done()
		reason := n.Err()
		if errors.Is(reason, call.ErrHangup) {
			c.printf("* call ended")
			return
		}
		c.printf("* call ended: %v", reason)
	}()
}

func (c *cli) ring(ic signaling.IncomingCall) {
	who := ic.Caller.Name
	if !ic.Known {
		who = fmt.Sprintf("#%d (not in your user list)", ic.Offer.Sender)
	}
	c.printf("📞 %s is calling, /accept or /decline", who)
}
