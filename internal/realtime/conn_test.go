package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatlink/internal/apperr"
	"chatlink/internal/logger"
	"chatlink/internal/stomp"
	"chatlink/internal/wire"
)

func dialTest(t *testing.T, b *fakeBroker, token string) (*Conn, error) {
	t.Helper()
	return Dial(context.Background(), b.url(), DialOptions{
		Token:          token,
		ConnectTimeout: 2 * time.Second,
		Log:            logger.Discard(),
	})
}

func TestDialSubscribeAndSend(t *testing.T) {
	b := newFakeBroker(t, "good")
	c, err := dialTest(t, b, "good")
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "s-1", c.Session)

	got := make(chan string, 1)
	_, err = c.Subscribe(wire.QueueWebRTC, func(f *stomp.Frame) { got <- string(f.Body) })
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.subscribed(wire.QueueWebRTC) }, 2*time.Second, 10*time.Millisecond)

	b.push(wire.QueueWebRTC, []byte(`{"type":"offer"}`))
	select {
	case body := <-got:
		assert.JSONEq(t, `{"type":"offer"}`, body)
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}

	require.NoError(t, c.SendJSON(wire.AppReadLatest, wire.ReadLatestRequest{OtherChatUser: 3}))
	require.Eventually(t, func() bool { return len(b.sentTo(wire.AppReadLatest)) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `{"otherChatUser":3}`, string(b.sentTo(wire.AppReadLatest)[0].Body))
}

func TestDialRejected(t *testing.T) {
	b := newFakeBroker(t, "good")
	_, err := dialTest(t, b, "bad")
	require.Error(t, err)

	var serverErr *ServerError
	require.True(t, errors.As(err, &serverErr))
	assert.Equal(t, wire.ErrorUnauthorized, serverErr.Message)
	assert.True(t, apperr.IsUnauthenticated(err))
}

func TestServerErrorJWTExpired(t *testing.T) {
	err := error(&ServerError{Message: wire.ErrorJWTExpired})
	assert.ErrorIs(t, err, apperr.ErrCredentialExpired)

	other := error(&ServerError{Message: "broker overloaded"})
	assert.False(t, apperr.IsUnauthenticated(other))
}

func TestCloseSendsDisconnect(t *testing.T) {
	b := newFakeBroker(t, "good")
	c, err := dialTest(t, b, "good")
	require.NoError(t, err)

	require.NoError(t, c.Close())
	<-c.Done()
	assert.NoError(t, c.Err())
	assert.Equal(t, 1, b.disconnectCount())
	assert.ErrorIs(t, c.Send(wire.AppSignal, []byte("{}")), apperr.ErrNotConnected)
}

func TestErrorFrameEndsConnection(t *testing.T) {
	b := newFakeBroker(t, "good")
	c, err := dialTest(t, b, "good")
	require.NoError(t, err)

	b.kick(wire.ErrorJWTExpired)
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection still open")
	}
	assert.ErrorIs(t, c.Err(), apperr.ErrCredentialExpired)
}
