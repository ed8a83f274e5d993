package listener

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plcsim/plcsim/internal/registry"
)

type echoHandler struct{ conn net.Conn }

func (h *echoHandler) Serve() error {
	buf := make([]byte, 1)
	for {
		n, err := h.conn.Read(buf)
		if err != nil {
			return err
		}
		if _, err := h.conn.Write(buf[:n]); err != nil {
			return err
		}
	}
}

func TestListenerAcceptsAndDispatches(t *testing.T) {
	reg, err := registry.New([]registry.Template{
		{ID: "echo", Port: 15711, Handler: func(conn net.Conn) registry.ConnHandler {
			return &echoHandler{conn: conn}
		}},
	})
	require.NoError(t, err)

	l := &Listener{Host: "127.0.0.1", Port: 15711, Registry: reg}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Serve(ctx) }()

	// Give the listener a moment to bind.
	var conn net.Conn
	for i := 0; i < 20; i++ {
		conn, err = net.Dial("tcp", "127.0.0.1:15711")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0x42})
	require.NoError(t, err)

	resp := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = conn.Read(resp)
	require.NoError(t, err)
	assert.Equal(t, byte(0x42), resp[0])

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("listener did not stop after cancel")
	}
}
