package transport_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Biren07/chat-application/pkg/transport"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

// serverConn upgrades one WebSocket handshake and hands the server-side
// transport connection to the test. When run is false the pumps are left for
// the test to start, mirroring the window between registration and Run.
func serverConn(t *testing.T, wg *sync.WaitGroup, run bool) *transport.Connection {
	t.Helper()
	connCh := make(chan *transport.Connection, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		conn := transport.NewConnection(r.Context(), wg, ws, transport.ConnectionConfig{
			ReadTimeout:  time.Minute,
			WriteTimeout: time.Second,
		}, newTestLogger())
		conn.SetOnMessageHandler(func(context.Context, uuid.UUID, []byte) {})
		if run {
			conn.Run()
		}
		connCh <- conn
		<-conn.Done()
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	clientWS, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial test server: %v", err)
	}
	t.Cleanup(func() { clientWS.Close(websocket.StatusNormalClosure, "") })

	select {
	case conn := <-connCh:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("server side never produced a connection")
		return nil
	}
}

func waitGroupSettles(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	settled := make(chan struct{})
	go func() {
		wg.Wait()
		close(settled)
	}()
	select {
	case <-settled:
	case <-time.After(5 * time.Second):
		t.Fatal("waitgroup never settled after close")
	}
}

// Send racing a teardown must drop the message, never panic. The router sends
// to connections it is concurrently displacing on reconnect.
func TestSendDuringCloseDoesNotPanic(t *testing.T) {
	var wg sync.WaitGroup
	conn := serverConn(t, &wg, true)

	var senders sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 4; i++ {
		senders.Add(1)
		go func() {
			defer senders.Done()
			<-start
			for j := 0; j < 500; j++ {
				conn.Send([]byte(`{"event":"typing","payload":{"receiverId":"u2"}}`))
			}
		}()
	}

	close(start)
	conn.Close(errors.New("teardown during traffic"))
	senders.Wait()

	waitGroupSettles(t, &wg)
	select {
	case <-conn.Done():
	default:
		t.Error("Done not closed after Close")
	}
}

// A connection can be displaced and closed before Run starts its pumps; the
// shutdown waitgroup must still settle and a late Run must be harmless.
func TestCloseBeforeRunKeepsShutdownAccounting(t *testing.T) {
	var wg sync.WaitGroup
	conn := serverConn(t, &wg, false)

	conn.Close(errors.New("displaced by a newer login"))
	conn.Run()

	waitGroupSettles(t, &wg)
	select {
	case <-conn.Done():
	default:
		t.Error("Done not closed after Close")
	}

	// Idempotent: a second Close must not double-count.
	conn.Close(errors.New("duplicate teardown"))
	waitGroupSettles(t, &wg)
}
