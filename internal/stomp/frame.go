// Package stomp adapts STOMP 1.2 frames to a websocket, where each message
// carries one or more frames. Framing and header escaping come from
// go-stomp's frame package.
package stomp

import (
	"bytes"
	"errors"
	"io"
	"strconv"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
)

// Client and server commands.
const (
	CmdConnect     = frame.CONNECT
	CmdStomp       = frame.STOMP
	CmdConnected   = frame.CONNECTED
	CmdSend        = frame.SEND
	CmdSubscribe   = frame.SUBSCRIBE
	CmdUnsubscribe = frame.UNSUBSCRIBE
	CmdMessage     = frame.MESSAGE
	CmdReceipt     = frame.RECEIPT
	CmdError       = frame.ERROR
	CmdDisconnect  = frame.DISCONNECT
)

// Header names.
const (
	HdrAcceptVersion = frame.AcceptVersion
	HdrVersion       = frame.Version
	HdrHost          = frame.Host
	HdrHeartBeat     = frame.HeartBeat
	HdrDestination   = frame.Destination
	HdrID            = frame.Id
	HdrSubscription  = frame.Subscription
	HdrMessageID     = frame.MessageId
	HdrContentType   = frame.ContentType
	HdrContentLength = frame.ContentLength
	HdrReceipt       = frame.Receipt
	HdrReceiptID     = frame.ReceiptId
	HdrMessage       = frame.Message
	HdrSession       = frame.Session
	HdrAuthorization = "Authorization"
)

const Version = "1.2"

var ErrMissingNull = errors.New("stomp: frame is not NUL terminated")

type (
	Frame  = frame.Frame
	Header = frame.Header
)

// New builds a frame from alternating key/value header arguments.
func New(command string, keyValues ...string) *Frame {
	return frame.New(command, keyValues...)
}

// HeartBeat is the single EOL a peer sends to keep the connection alive.
var HeartBeat = []byte{'\n'}

// Encode serialises f. content-length is always derived from the body.
func Encode(f *Frame) []byte {
	if len(f.Body) > 0 {
		f.Header.Set(HdrContentLength, strconv.Itoa(len(f.Body)))
	} else {
		f.Header.Del(HdrContentLength)
	}
	var buf bytes.Buffer
	// Writing to a bytes.Buffer cannot fail.
	_ = frame.NewWriter(&buf).Write(f)
	return buf.Bytes()
}

// Decode parses every frame in data. Heart-beats between frames are
// skipped, so a message holding only heart-beats yields no frames.
func Decode(data []byte) ([]*Frame, error) {
	trimmed := bytes.TrimRight(data, "\r\n")
	if len(trimmed) == 0 {
		return nil, nil
	}
	// The reader reports a truncated frame as a clean EOF.
	if trimmed[len(trimmed)-1] != 0 {
		return nil, ErrMissingNull
	}
	r := frame.NewReader(bytes.NewReader(data))
	var frames []*Frame
	for {
		f, err := r.Read()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		if f != nil {
			frames = append(frames, f)
		}
	}
}

// ParseHeartBeat reads a "cx,cy" heart-beat header. An absent header means
// "0,0".
func ParseHeartBeat(value string) (send, receive time.Duration, err error) {
	if value == "" {
		return 0, 0, nil
	}
	return frame.ParseHeartBeat(value)
}

func FormatHeartBeat(send, receive time.Duration) string {
	return strconv.FormatInt(send.Milliseconds(), 10) + "," + strconv.FormatInt(receive.Milliseconds(), 10)
}

// NegotiateHeartBeat combines the local "can send / want to receive" pair
// with the peer's pair. A zero result disables that direction.
func NegotiateHeartBeat(localSend, localReceive, remoteSend, remoteReceive time.Duration) (send, receive time.Duration) {
	if localSend > 0 && remoteReceive > 0 {
		send = max(localSend, remoteReceive)
	}
	if localReceive > 0 && remoteSend > 0 {
		receive = max(localReceive, remoteSend)
	}
	return send, receive
}
