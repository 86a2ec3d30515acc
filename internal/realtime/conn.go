// Package realtime keeps the client's STOMP-over-websocket connection to the
// chat server alive and derives presence and conversation state from it.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatlink/internal/apperr"
	"chatlink/internal/stomp"
	"chatlink/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	disconnectWait = 2 * time.Second
	maxMessageSize = 512 * 1024
)

var errClosed = errors.New("realtime: connection closed")

// Handler receives MESSAGE frames. It runs on the connection's read
// goroutine, so it must not block for long.
type Handler func(f *stomp.Frame)

// ServerError is an ERROR frame sent by the server. It unwraps to
// apperr.ErrCredentialExpired for JWT_EXPIRED so callers can invalidate the
// session with errors.Is.
type ServerError struct {
	Message string
	Body    string
}

func (e *ServerError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("stomp error: %s: %s", e.Message, e.Body)
	}
	return "stomp error: " + e.Message
}

func (e *ServerError) Unwrap() error {
	switch e.Message {
	case wire.ErrorJWTExpired:
		return apperr.ErrCredentialExpired
	case wire.ErrorUnauthorized:
		return apperr.Unauthorized(e.Body)
	default:
		return nil
	}
}

type DialOptions struct {
	Token string
	// HeartBeatOutgoing is how often we offer to send heart-beats,
	// HeartBeatIncoming how often we want to receive them. Zero disables.
	HeartBeatOutgoing time.Duration
	HeartBeatIncoming time.Duration
	ConnectTimeout    time.Duration
	Dialer            *websocket.Dialer
	Log               *slog.Logger
}

// Conn is one established STOMP session.
type Conn struct {
	ws  *websocket.Conn
	log *slog.Logger

	// Session, Server and User come from the CONNECTED frame.
	Session string
	Server  string
	User    string

	writeMu sync.Mutex

	mu       sync.Mutex
	subs     map[string]Handler
	receipts map[string]chan struct{}
	err      error

	done      chan struct{}
	closeOnce sync.Once
}

// Dial opens the websocket, sends CONNECT with the bearer token and waits for
// CONNECTED. An ERROR reply is returned as *ServerError.
func Dial(ctx context.Context, rawURL string, opts DialOptions) (*Conn, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			Subprotocols:     []string{"v12.stomp"},
		}
	}
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidArgument, "parsing websocket url", err)
	}
	ws, _, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, apperr.Unavailable("dialing "+u.Host, err)
	}
	ws.SetReadLimit(maxMessageSize)

	c := &Conn{
		ws:       ws,
		log:      log,
		subs:     make(map[string]Handler),
		receipts: make(map[string]chan struct{}),
		done:     make(chan struct{}),
	}

	send, receive, err := c.handshake(ctx, u.Hostname(), opts)
	if err != nil {
		ws.Close()
		return nil, err
	}

	go c.readLoop(receive)
	if send > 0 {
		go c.heartBeatLoop(send)
	}
	return c, nil
}

func (c *Conn) handshake(ctx context.Context, host string, opts DialOptions) (send, receive time.Duration, err error) {
	connect := stomp.New(stomp.CmdConnect,
		stomp.HdrAcceptVersion, stomp.Version,
		stomp.HdrHost, host,
		stomp.HdrHeartBeat, stomp.FormatHeartBeat(opts.HeartBeatOutgoing, opts.HeartBeatIncoming),
	)
	if opts.Token != "" {
		connect.Header.Set(stomp.HdrAuthorization, "Bearer "+opts.Token)
	}
	if err := c.write(stomp.Encode(connect)); err != nil {
		return 0, 0, apperr.Unavailable("sending CONNECT", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}
	c.ws.SetReadDeadline(deadline)
	defer c.ws.SetReadDeadline(time.Time{})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, 0, apperr.Unavailable("waiting for CONNECTED", err)
		}
		frames, err := stomp.Decode(data)
		if err != nil {
			return 0, 0, apperr.Wrap(apperr.CodeInternal, "decoding CONNECTED", err)
		}
		for _, f := range frames {
			switch f.Command {
			case stomp.CmdConnected:
				c.Session = f.Header.Get(stomp.HdrSession)
				c.Server = f.Header.Get("server")
				c.User = f.Header.Get("user-name")
				remoteSend, remoteReceive, err := stomp.ParseHeartBeat(f.Header.Get(stomp.HdrHeartBeat))
				if err != nil {
					return 0, 0, apperr.Wrap(apperr.CodeInternal, "reading CONNECTED", err)
				}
				send, receive = stomp.NegotiateHeartBeat(opts.HeartBeatOutgoing, opts.HeartBeatIncoming, remoteSend, remoteReceive)
				return send, receive, nil
			case stomp.CmdError:
				return 0, 0, &ServerError{Message: f.Header.Get(stomp.HdrMessage), Body: string(f.Body)}
			}
		}
	}
}

func (c *Conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) writeFrame(f *stomp.Frame) error {
	select {
	case <-c.done:
		return apperr.ErrNotConnected
	default:
	}
	if err := c.write(stomp.Encode(f)); err != nil {
		c.fail(err)
		return apperr.Unavailable("writing "+f.Command, err)
	}
	return nil
}

func (c *Conn) readLoop(receive time.Duration) {
	readWait := time.Duration(0)
	if receive > 0 {
		// Tolerate one late heart-beat.
		readWait = 2 * receive
	}
	for {
		if readWait > 0 {
			c.ws.SetReadDeadline(time.Now().Add(readWait))
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		frames, err := stomp.Decode(data)
		if err != nil {
			c.log.Warn("dropping malformed frame", "err", err)
			continue
		}
		for _, f := range frames {
			switch f.Command {
			case stomp.CmdMessage:
				c.mu.Lock()
				h := c.subs[f.Header.Get(stomp.HdrSubscription)]
				c.mu.Unlock()
				if h == nil {
					c.log.Debug("message for unknown subscription", "frame", f)
					continue
				}
				h(f)
			case stomp.CmdReceipt:
				id := f.Header.Get(stomp.HdrReceiptID)
				c.mu.Lock()
				ch := c.receipts[id]
				delete(c.receipts, id)
				c.mu.Unlock()
				if ch != nil {
					close(ch)
				}
			case stomp.CmdError:
				err := &ServerError{Message: f.Header.Get(stomp.HdrMessage), Body: string(f.Body)}
				c.log.Warn("server sent ERROR", "message", err.Message)
				c.fail(err)
				return
			}
		}
	}
}

func (c *Conn) heartBeatLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.write(stomp.HeartBeat); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

// fail records the first error and tears the socket down.
func (c *Conn) fail(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		c.ws.Close()
	})
}

// Subscribe registers h for dest and returns the subscription id.
func (c *Conn) Subscribe(dest string, h Handler) (string, error) {
	id := uuid.NewString()
	c.mu.Lock()
	c.subs[id] = h
	c.mu.Unlock()
	if err := c.writeFrame(stomp.New(stomp.CmdSubscribe, stomp.HdrID, id, stomp.HdrDestination, dest)); err != nil {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		return "", err
	}
	return id, nil
}

func (c *Conn) Unsubscribe(id string) error {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
	return c.writeFrame(stomp.New(stomp.CmdUnsubscribe, stomp.HdrID, id))
}

func (c *Conn) Send(dest string, body []byte) error {
	f := stomp.New(stomp.CmdSend, stomp.HdrDestination, dest, stomp.HdrContentType, "application/json")
	f.Body = body
	return c.writeFrame(f)
}

func (c *Conn) SendJSON(dest string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return apperr.Wrap(apperr.CodeInvalidArgument, "encoding "+dest, err)
	}
	return c.Send(dest, body)
}

// Close sends DISCONNECT, waits briefly for its receipt and closes the
// socket.
func (c *Conn) Close() error {
	id := uuid.NewString()
	ch := make(chan struct{})
	c.mu.Lock()
	c.receipts[id] = ch
	c.mu.Unlock()

	if err := c.writeFrame(stomp.New(stomp.CmdDisconnect, stomp.HdrReceipt, id)); err == nil {
		select {
		case <-ch:
		case <-c.done:
		case <-time.After(disconnectWait):
		}
	}
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.fail(errClosed)
	return nil
}

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended. It is nil after a Close we asked
// for.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if errors.Is(c.err, errClosed) {
		return nil
	}
	return c.err
}
