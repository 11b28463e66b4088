package frontend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/castaneai/deskqueue"
	"github.com/castaneai/deskqueue/pkg/broadcast"
	"github.com/castaneai/deskqueue/pkg/statestore"
)

type TestServer struct {
	dq   *deskqueue.DeskQueue
	hub  *broadcast.Hub
	addr string
}

type TestServerOption interface {
	apply(opts *testServerOpts)
}

type TestServerOptionFunc func(*testServerOpts)

func (f TestServerOptionFunc) apply(opts *testServerOpts) {
	f(opts)
}

func WithTestServerListenAddr(addr string) TestServerOption {
	return TestServerOptionFunc(func(opts *testServerOpts) {
		opts.listenAddr = addr
	})
}

// WithTestServerStore replaces the miniredis-backed store.
func WithTestServerStore(store statestore.StateStore) TestServerOption {
	return TestServerOptionFunc(func(opts *testServerOpts) {
		opts.store = store
	})
}

func WithTestServerDeskQueueOptions(opts ...deskqueue.Option) TestServerOption {
	return TestServerOptionFunc(func(o *testServerOpts) {
		o.dqOptions = append(o.dqOptions, opts...)
	})
}

func WithTestServerFrontendOptions(opts ...FrontendOption) TestServerOption {
	return TestServerOptionFunc(func(o *testServerOpts) {
		o.frontendOptions = append(o.frontendOptions, opts...)
	})
}

type testServerOpts struct {
	listenAddr      string
	store           statestore.StateStore
	dqOptions       []deskqueue.Option
	frontendOptions []FrontendOption
}

func defaultTestServerOpts() *testServerOpts {
	return &testServerOpts{
		listenAddr: "127.0.0.1:0", // random port
	}
}

// RunTestServer serves the desk queue HTTP API in the Go process on a random port,
// with the given desks configured.
func RunTestServer(t *testing.T, layout statestore.Layout, opts ...TestServerOption) *TestServer {
	option := defaultTestServerOpts()
	for _, o := range opts {
		o.apply(option)
	}

	store := option.store
	if store == nil {
		store, _ = deskqueue.NewStateStoreWithMiniRedis(t)
	}
	ctx := context.Background()
	if _, err := statestore.EnsureDesks(ctx, store, layout); err != nil {
		t.Fatalf("failed to configure desks: %+v", err)
	}
	hub := broadcast.NewHub()
	dq, err := deskqueue.NewDeskQueue(ctx, store, hub, option.dqOptions...)
	if err != nil {
		t.Fatalf("failed to create desk queue: %+v", err)
	}

	lis, err := net.Listen("tcp", option.listenAddr)
	if err != nil {
		t.Fatalf("failed to listen test server: %+v", err)
	}
	sv := &http.Server{Handler: NewFrontendService(dq, hub, option.frontendOptions...).Handler()}
	t.Cleanup(func() { _ = sv.Close() })
	go func() {
		if err := sv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("error occured in test server: %+v", err)
		}
	}()
	waitForTCPServerReady(t, lis.Addr().String(), 10*time.Second)
	return &TestServer{
		dq:   dq,
		hub:  hub,
		addr: lis.Addr().String(),
	}
}

func (ts *TestServer) DeskQueue() *deskqueue.DeskQueue {
	return ts.dq
}

func (ts *TestServer) Hub() *broadcast.Hub {
	return ts.hub
}

func (ts *TestServer) URL(path string) string {
	return fmt.Sprintf("http://%s%s", ts.addr, path)
}

// NewClient returns a client with its own cookie jar, standing for one browser.
// Redirects are not followed so that they can be asserted.
func (ts *TestServer) NewClient(t *testing.T) *http.Client {
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("failed to create cookie jar: %+v", err)
	}
	return &http.Client{
		Jar:     jar,
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// DialEvents connects to the event WebSocket as clientID.
// The server subscribes before completing the handshake, so no event published
// after DialEvents returns is missed.
func (ts *TestServer) DialEvents(ctx context.Context, t *testing.T, clientID string) *websocket.Conn {
	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/ws/%s", ts.addr, clientID), nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %+v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func waitForTCPServerReady(t *testing.T, addr string, timeout time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverReady := make(chan struct{})
	check := func() bool {
		d := net.Dialer{Timeout: 100 * time.Millisecond}
		conn, err := d.Dial("tcp", addr)
		if err == nil {
			_ = conn.Close()
			return true
		}
		return false
	}
	go func() {
		if check() {
			close(serverReady)
			return
		}
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if check() {
					close(serverReady)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	select {
	case <-serverReady:
	case <-time.After(timeout):
		t.Fatalf("timeout(%v) for TCP server ready listening on %s", timeout, addr)
	}
}
