package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"chatlink/internal/stomp"
	"chatlink/internal/wire"
)

// fakeBroker speaks just enough STOMP to stand in for the chat server.
type fakeBroker struct {
	srv *httptest.Server

	mu         sync.Mutex
	token      string
	users      []wire.UserPresence
	conns      map[*brokerConn]bool
	connects   int
	disconnect int
	sent       []*stomp.Frame
}

type brokerConn struct {
	ws   *websocket.Conn
	wmu  sync.Mutex
	subs map[string]string // destination -> subscription id
}

func (c *brokerConn) write(f *stomp.Frame) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.ws.WriteMessage(websocket.TextMessage, stomp.Encode(f))
}

func newFakeBroker(t *testing.T, token string) *fakeBroker {
	t.Helper()
	b := &fakeBroker{token: token, conns: make(map[*brokerConn]bool)}
	upgrader := websocket.Upgrader{Subprotocols: []string{"v12.stomp"}}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.serve(&brokerConn{ws: ws, subs: make(map[string]string)})
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBroker) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws"
}

func (b *fakeBroker) serve(c *brokerConn) {
	defer func() {
		b.mu.Lock()
		delete(b.conns, c)
		b.mu.Unlock()
		c.ws.Close()
	}()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		frames, err := stomp.Decode(data)
		if err != nil {
			return
		}
		for _, f := range frames {
			switch f.Command {
			case stomp.CmdConnect:
				b.mu.Lock()
				ok := f.Header.Get(stomp.HdrAuthorization) == "Bearer "+b.token
				if ok {
					b.conns[c] = true
					b.connects++
				}
				b.mu.Unlock()
				if !ok {
					c.write(stomp.New(stomp.CmdError, stomp.HdrMessage, wire.ErrorUnauthorized))
					return
				}
				c.write(stomp.New(stomp.CmdConnected,
					stomp.HdrVersion, stomp.Version,
					stomp.HdrHeartBeat, "0,0",
					stomp.HdrSession, "s-"+strconv.Itoa(b.connectCount())))
			case stomp.CmdSubscribe:
				dest := f.Header.Get(stomp.HdrDestination)
				b.mu.Lock()
				c.subs[dest] = f.Header.Get(stomp.HdrID)
				users := b.users
				b.mu.Unlock()
				if dest == wire.TopicUsers && users != nil {
					body, _ := json.Marshal(users)
					b.deliver(c, dest, body)
				}
			case stomp.CmdUnsubscribe:
				id := f.Header.Get(stomp.HdrID)
				b.mu.Lock()
				for dest, sub := range c.subs {
					if sub == id {
						delete(c.subs, dest)
					}
				}
				b.mu.Unlock()
			case stomp.CmdSend:
				b.mu.Lock()
				b.sent = append(b.sent, f)
				b.mu.Unlock()
			case stomp.CmdDisconnect:
				b.mu.Lock()
				b.disconnect++
				b.mu.Unlock()
				c.write(stomp.New(stomp.CmdReceipt, stomp.HdrReceiptID, f.Header.Get(stomp.HdrReceipt)))
				return
			}
		}
	}
}

func (b *fakeBroker) deliver(c *brokerConn, dest string, body []byte) {
	b.mu.Lock()
	id, ok := c.subs[dest]
	b.mu.Unlock()
	if !ok {
		return
	}
	f := stomp.New(stomp.CmdMessage, stomp.HdrDestination, dest, stomp.HdrSubscription, id, stomp.HdrMessageID, "m")
	f.Body = body
	c.write(f)
}

// push sends body to every connection subscribed to dest.
func (b *fakeBroker) push(dest string, body []byte) {
	b.mu.Lock()
	conns := make([]*brokerConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		b.deliver(c, dest, body)
	}
}

// kick sends an ERROR frame to every connection.
func (b *fakeBroker) kick(message string) {
	b.mu.Lock()
	conns := make([]*brokerConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		c.write(stomp.New(stomp.CmdError, stomp.HdrMessage, message))
		c.ws.Close()
	}
}

func (b *fakeBroker) subscribed(dest string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		if _, ok := c.subs[dest]; ok {
			return true
		}
	}
	return false
}

func (b *fakeBroker) connectCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

func (b *fakeBroker) disconnectCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disconnect
}

func (b *fakeBroker) liveConns() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *fakeBroker) sentTo(dest string) []*stomp.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*stomp.Frame
	for _, f := range b.sent {
		if f.Header.Get(stomp.HdrDestination) == dest {
			out = append(out, f)
		}
	}
	return out
}

func (b *fakeBroker) setUsers(users []wire.UserPresence) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users = users
}
