package chat

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"chatlink/internal/apperr"
	"chatlink/internal/stomp"
	"chatlink/internal/wire"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	connectWait    = 10 * time.Second    // Time allowed between upgrade and CONNECT.
	maxMessageSize = 64 * 1024           // Maximum message size allowed from peer.
	serverName     = "chatlink"
)

// Client is a middleman between one STOMP session and the hub.
type Client struct {
	Hub  *Hub
	Conn *websocket.Conn
	// Deliveries from the hub. Only the hub closes it.
	Send chan []byte
	// Frames the session answers with itself (CONNECTED, RECEIPT, ERROR).
	// Only ReadPump closes it.
	control   chan []byte
	heartBeat chan time.Duration

	SessionID string
	UserID    int
	Email     string

	mu        sync.Mutex
	subs      map[string]string // subscription id -> destination
	expiresAt time.Time
	limiter   *rate.Limiter
	readWait  time.Duration
	now       func() time.Time
}

func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		Hub:       hub,
		Conn:      conn,
		Send:      make(chan []byte, 256),
		control:   make(chan []byte, 16),
		heartBeat: make(chan time.Duration, 1),
		SessionID: uuid.NewString(),
		subs:      make(map[string]string),
		limiter:   hub.newLimiter(),
		readWait:  pongWait,
		now:       time.Now,
	}
}

// ReadPump pumps frames from the websocket connection to the hub.
func (c *Client) ReadPump() {
	registered := false
	defer func() {
		close(c.control)
		if registered {
			select {
			case c.Hub.Unregister <- c:
			case <-c.Hub.done:
			}
		}
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(connectWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.readWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.Hub.log.Warn("session read failed", "session", c.SessionID, "err", err)
			}
			return
		}
		if registered {
			c.Conn.SetReadDeadline(time.Now().Add(c.readWait))
		}

		frames, err := stomp.Decode(message)
		if err != nil {
			c.sendError("malformed frame", err.Error())
			return
		}
		for _, f := range frames {
			c.Hub.metrics.Frames.WithLabelValues(f.Command).Inc()
			if !registered {
				if !c.connect(f) {
					return
				}
				select {
				case c.Hub.Register <- c:
					registered = true
				case <-c.Hub.done:
					return
				}
				continue
			}
			if !c.handle(f) {
				return
			}
		}
	}
}

// connect authenticates the session from the CONNECT frame and answers
// CONNECTED. It reports whether the session may continue.
func (c *Client) connect(f *stomp.Frame) bool {
	if f.Command != stomp.CmdConnect && f.Command != stomp.CmdStomp {
		c.sendError("expected CONNECT", "the first frame of a session must be CONNECT")
		return false
	}
	if versions, ok := f.Header.Contains(stomp.HdrAcceptVersion); ok && !acceptsVersion(versions) {
		c.sendError("unsupported protocol version", "Supported protocol versions are "+stomp.Version)
		return false
	}

	token := bearer(f.Header.Get(stomp.HdrAuthorization))
	if token == "" {
		c.sendError(wire.ErrorUnauthorized, "no JWT token supplied")
		return false
	}
	userID, email, expiresAt, err := c.Hub.users.ValidateSession(token)
	if err != nil {
		if errors.Is(err, apperr.ErrCredentialExpired) {
			c.sendError(wire.ErrorJWTExpired, err.Error())
		} else {
			c.sendError(wire.ErrorUnauthorized, err.Error())
		}
		return false
	}

	clientSend, clientReceive, err := stomp.ParseHeartBeat(f.Header.Get(stomp.HdrHeartBeat))
	if err != nil {
		c.sendError("malformed heart-beat", err.Error())
		return false
	}
	hb := c.Hub.opts.HeartBeat
	send, receive := stomp.NegotiateHeartBeat(hb, hb, clientSend, clientReceive)
	if receive > 0 {
		// Allow the peer twice the agreed interval before giving up on it.
		c.readWait = max(pongWait, 2*receive)
	}
	if send > 0 {
		c.heartBeat <- send
	}

	c.mu.Lock()
	c.UserID = userID
	c.Email = email
	c.expiresAt = expiresAt
	c.mu.Unlock()

	c.queueControl(stomp.New(stomp.CmdConnected,
		stomp.HdrVersion, stomp.Version,
		stomp.HdrHeartBeat, stomp.FormatHeartBeat(hb, hb),
		stomp.HdrSession, c.SessionID,
		"server", serverName,
		"user-name", email,
	))
	c.Conn.SetReadDeadline(time.Now().Add(c.readWait))
	c.Hub.log.Debug("session connected", "session", c.SessionID, "user", userID)
	return true
}

func acceptsVersion(header string) bool {
	for _, v := range strings.Split(header, ",") {
		if strings.TrimSpace(v) == stomp.Version {
			return true
		}
	}
	return false
}

func bearer(value string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(value), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// handle processes one frame of an established session. It reports whether
// the session may continue.
func (c *Client) handle(f *stomp.Frame) bool {
	switch f.Command {
	case stomp.CmdSubscribe:
		id := f.Header.Get(stomp.HdrID)
		dest := f.Header.Get(stomp.HdrDestination)
		if id == "" || dest == "" {
			c.sendError("malformed SUBSCRIBE", "id and destination are required")
			return false
		}
		if !subscribable(dest) {
			c.sendError("forbidden destination", dest)
			return false
		}
		c.mu.Lock()
		c.subs[id] = dest
		c.mu.Unlock()

	case stomp.CmdUnsubscribe:
		id := f.Header.Get(stomp.HdrID)
		if id == "" {
			c.sendError("malformed UNSUBSCRIBE", "id is required")
			return false
		}
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()

	case stomp.CmdSend:
		if c.expired() {
			c.sendError(wire.ErrorJWTExpired, "access token expired")
			return false
		}
		if !c.limiter.Allow() {
			c.Hub.metrics.RateLimited.Inc()
			c.Hub.log.Warn("rate limited SEND", "session", c.SessionID, "user", c.UserID)
			return true
		}
		if err := c.route(f); err != nil {
			c.Hub.log.Warn("SEND rejected", "destination", f.Header.Get(stomp.HdrDestination), "user", c.UserID, "err", err)
			return true
		}

	case stomp.CmdDisconnect:
		c.receipt(f)
		return false

	default:
		c.sendError("unsupported command", f.Command)
		return false
	}

	c.receipt(f)
	return true
}

func subscribable(dest string) bool {
	return strings.HasPrefix(dest, "/topic/") || strings.HasPrefix(dest, "/user/queue/")
}

func (c *Client) expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.now().Before(c.expiresAt)
}

func (c *Client) receipt(f *stomp.Frame) {
	if id := f.Header.Get(stomp.HdrReceipt); id != "" {
		c.queueControl(stomp.New(stomp.CmdReceipt, stomp.HdrReceiptID, id))
	}
}

// sendError queues an ERROR frame. The caller ends the session afterwards.
func (c *Client) sendError(message, detail string) {
	f := stomp.New(stomp.CmdError, stomp.HdrMessage, message, stomp.HdrContentType, "text/plain")
	f.Body = []byte(detail)
	c.queueControl(f)
}

func (c *Client) queueControl(f *stomp.Frame) {
	select {
	case c.control <- stomp.Encode(f):
	default:
		c.Hub.log.Warn("control queue full, dropping frame", "session", c.SessionID, "command", f.Command)
	}
}

// deliver queues a MESSAGE frame for every subscription on msg's
// destination. It returns false when the send buffer is full. Called from Run.
func (c *Client) deliver(msg BroadcastMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, dest := range c.subs {
		if dest != msg.Destination {
			continue
		}
		f := stomp.New(stomp.CmdMessage,
			stomp.HdrDestination, dest,
			stomp.HdrSubscription, id,
			stomp.HdrMessageID, uuid.NewString(),
			stomp.HdrContentType, "application/json",
		)
		f.Body = msg.Payload
		select {
		case c.Send <- stomp.Encode(f):
			c.Hub.metrics.Deliveries.Inc()
		default:
			return false
		}
	}
	return true
}

// WritePump pumps frames from the hub and the session to the websocket
// connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	var heartBeat <-chan time.Time
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		// Session frames go first so CONNECTED precedes any MESSAGE.
		select {
		case frame, ok := <-c.control:
			if !c.writeControl(frame, ok) {
				return
			}
			continue
		default:
		}

		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The Hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Queued frames go out in the same websocket message. The EOL
			// between them reads as a heart-beat.
			n := len(c.Send)
			for i := 0; i < n; i++ {
				w.Write(stomp.HeartBeat)
				w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case frame, ok := <-c.control:
			if !c.writeControl(frame, ok) {
				return
			}

		case d := <-c.heartBeat:
			t := time.NewTicker(d)
			defer t.Stop()
			heartBeat = t.C

		case <-heartBeat:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, stomp.HeartBeat); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) writeControl(frame []byte, ok bool) bool {
	c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	if !ok {
		c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return false
	}
	return c.Conn.WriteMessage(websocket.TextMessage, frame) == nil
}
