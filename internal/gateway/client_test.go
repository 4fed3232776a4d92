package gateway

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"roost/internal/domain"
	"roost/internal/endpoint"
	"roost/internal/identity"
	"roost/internal/protocol"
)

// fakeDaemon is an in-process gateway server. Each upgrade runs the connect
// handshake (optionally preceded by a challenge push), then forwards further
// request frames to reqCh for the test to answer.
type fakeDaemon struct {
	ts *httptest.Server

	challengeNonce string
	deviceToken    string
	tokenRole      string
	tokenScopes    []string
	tickMs         float64
	reject         map[string]*protocol.WireError // keyed by client id

	reqCh chan serverRequest
	conns chan *websocket.Conn

	mu       sync.Mutex
	upgrades int
	connects []connectParams
}

type serverRequest struct {
	req  protocol.Request
	conn *websocket.Conn
}

func newFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()
	d := &fakeDaemon{
		reject: map[string]*protocol.WireError{},
		reqCh:  make(chan serverRequest, 16),
		conns:  make(chan *websocket.Conn, 4),
	}
	d.ts = httptest.NewServer(http.HandlerFunc(d.handler))
	t.Cleanup(d.ts.Close)
	return d
}

func (d *fakeDaemon) url() string {
	return "ws" + strings.TrimPrefix(d.ts.URL, "http")
}

func (d *fakeDaemon) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	d.mu.Lock()
	d.upgrades++
	d.mu.Unlock()

	ctx := r.Context()
	if d.challengeNonce != "" {
		payload, _ := json.Marshal(map[string]string{"nonce": d.challengeNonce})
		d.write(ctx, conn, protocol.Event{Name: EventConnectChallenge, Payload: payload})
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		fr, err := protocol.DecodeFrame(data)
		if err != nil {
			continue
		}
		req, ok := fr.(protocol.Request)
		if !ok {
			continue
		}
		if req.Method != "connect" {
			select {
			case d.reqCh <- serverRequest{req: req, conn: conn}:
			default:
			}
			continue
		}

		var params connectParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			d.write(ctx, conn, protocol.Response{ID: req.ID, Err: &protocol.WireError{Message: "bad connect params"}})
			continue
		}
		d.mu.Lock()
		d.connects = append(d.connects, params)
		d.mu.Unlock()

		if werr, rejected := d.reject[params.Client.ID]; rejected {
			d.write(ctx, conn, protocol.Response{ID: req.ID, Err: werr})
			continue
		}
		d.write(ctx, conn, protocol.Response{ID: req.ID, OK: true, Payload: d.helloPayload()})
		select {
		case d.conns <- conn:
		default:
		}
	}
}

func (d *fakeDaemon) write(ctx context.Context, conn *websocket.Conn, f protocol.Frame) {
	data, err := protocol.EncodeFrame(f)
	if err != nil {
		return
	}
	_ = conn.Write(ctx, websocket.MessageText, data)
}

func (d *fakeDaemon) helloPayload() json.RawMessage {
	hello := map[string]any{
		"protocol": protocol.Version,
		"server":   map[string]any{"version": "0.9.0-test"},
		"policy":   map[string]any{},
	}
	if d.tickMs > 0 {
		hello["policy"] = map[string]any{"tickIntervalMs": d.tickMs}
	}
	if d.deviceToken != "" {
		auth := map[string]any{"deviceToken": d.deviceToken}
		if d.tokenRole != "" {
			auth["role"] = d.tokenRole
		}
		if len(d.tokenScopes) > 0 {
			auth["scopes"] = d.tokenScopes
		}
		hello["auth"] = auth
	}
	b, err := json.Marshal(hello)
	if err != nil {
		panic(err)
	}
	return b
}

func (d *fakeDaemon) upgradeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.upgrades
}

func (d *fakeDaemon) connectAttempts() []connectParams {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]connectParams, len(d.connects))
	copy(out, d.connects)
	return out
}

// sendWire writes a frame on a server-side connection from the test body.
func sendWire(t *testing.T, conn *websocket.Conn, f protocol.Frame) {
	t.Helper()
	data, err := protocol.EncodeFrame(f)
	require.NoError(t, err)
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, data))
}

func newTestClient(t *testing.T, d *fakeDaemon, mutate func(*Config)) (*Client, *identity.Store) {
	t.Helper()
	ids := identity.NewStore(t.TempDir(), slog.Default())
	res := endpoint.New("", "", "local", endpoint.Defaults{URL: d.url()}, slog.Default())
	cfg := Config{
		Role:           "operator",
		Scopes:         []string{"chat", "sessions"},
		ClientIDs:      []string{PrimaryClientID, LegacyClientID},
		ConnectTimeout: 3 * time.Second,
		ChallengeWait:  60 * time.Millisecond,
		RequestTimeout: 2 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c := New(cfg, res, ids, nil, slog.Default())
	t.Cleanup(func() { _ = c.Close() })
	return c, ids
}

func seqPtr(n int64) *int64 { return &n }

func TestConnectWithChallenge(t *testing.T) {
	d := newFakeDaemon(t)
	d.challengeNonce = "nonce-xyz"
	d.deviceToken = "tok-1"
	d.tokenRole = "operator"
	d.tokenScopes = []string{"chat", "sessions"}
	d.tickMs = 1500

	c, ids := newTestClient(t, d, nil)
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())

	hello := c.Hello()
	require.NotNil(t, hello)
	assert.Equal(t, protocol.Version, hello.Protocol)
	v, _ := hello.Server["version"].String()
	assert.Equal(t, "0.9.0-test", v)
	assert.Equal(t, 1500*time.Millisecond, c.TickInterval())

	attempts := d.connectAttempts()
	require.Len(t, attempts, 1)
	params := attempts[0]
	assert.Equal(t, protocol.Version, params.MinProtocol)
	assert.Equal(t, protocol.Version, params.MaxProtocol)
	assert.Equal(t, PrimaryClientID, params.Client.ID)
	assert.Equal(t, "local", params.Client.Mode)
	assert.Equal(t, "operator", params.Role)

	// The device block must carry a signature over the canonical payload,
	// echoing the challenge nonce.
	require.NotNil(t, params.Device)
	assert.Equal(t, "nonce-xyz", params.Device.Nonce)
	pub, err := base64.StdEncoding.DecodeString(params.Device.PublicKey)
	require.NoError(t, err)
	sig, err := base64.StdEncoding.DecodeString(params.Device.Signature)
	require.NoError(t, err)
	payload := identity.SignaturePayload(
		params.Device.ID, PrimaryClientID, "local", "operator",
		[]string{"chat", "sessions"}, params.Device.SignedAt, "", "nonce-xyz")
	assert.True(t, ed25519.Verify(ed25519.PublicKey(pub), []byte(payload), sig),
		"connect signature must verify against the device public key")

	// The issued device token lands in the store.
	rec, ok, err := ids.Token("operator")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "tok-1", rec.Token)
}

func TestConnectWithoutChallenge(t *testing.T) {
	d := newFakeDaemon(t)
	c, _ := newTestClient(t, d, nil)

	require.NoError(t, c.Connect(context.Background()))
	attempts := d.connectAttempts()
	require.Len(t, attempts, 1)
	require.NotNil(t, attempts[0].Device)
	assert.Empty(t, attempts[0].Device.Nonce)
	assert.Nil(t, attempts[0].Auth)
}

func TestStoredTokenPresentedOnReconnect(t *testing.T) {
	d := newFakeDaemon(t)
	d.deviceToken = "tok-persist"

	c, _ := newTestClient(t, d, nil)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close())

	require.NoError(t, c.Connect(context.Background()))
	attempts := d.connectAttempts()
	require.Len(t, attempts, 2)
	require.NotNil(t, attempts[1].Auth)
	assert.Equal(t, "tok-persist", attempts[1].Auth.Token)
}

func TestClientIDFallbackOnRejectionCode(t *testing.T) {
	d := newFakeDaemon(t)
	d.reject[PrimaryClientID] = &protocol.WireError{Code: invalidClientIDCode, Message: "not allowed"}

	c, _ := newTestClient(t, d, nil)
	require.NoError(t, c.Connect(context.Background()))

	attempts := d.connectAttempts()
	require.Len(t, attempts, 2)
	assert.Equal(t, PrimaryClientID, attempts[0].Client.ID)
	assert.Equal(t, LegacyClientID, attempts[1].Client.ID)
	// Each attempt dials a fresh socket.
	assert.Equal(t, 2, d.upgradeCount())
}

func TestClientIDFallbackOnRejectionMessage(t *testing.T) {
	d := newFakeDaemon(t)
	d.reject[PrimaryClientID] = &protocol.WireError{Message: "unsupported Client ID"}

	c, _ := newTestClient(t, d, nil)
	require.NoError(t, c.Connect(context.Background()))

	attempts := d.connectAttempts()
	require.Len(t, attempts, 2)
	assert.Equal(t, LegacyClientID, attempts[1].Client.ID)
}

func TestConnectRejectionDoesNotRetryOtherCodes(t *testing.T) {
	d := newFakeDaemon(t)
	d.reject[PrimaryClientID] = &protocol.WireError{Code: "auth-failed", Message: "bad credentials"}

	c, _ := newTestClient(t, d, nil)
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConnectFailed)

	var reqErr *domain.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "auth-failed", reqErr.Code)

	assert.Len(t, d.connectAttempts(), 1)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestRequestsResolveOutOfOrder(t *testing.T) {
	d := newFakeDaemon(t)
	c, _ := newTestClient(t, d, nil)
	require.NoError(t, c.Connect(context.Background()))

	const n = 5
	go func() {
		pending := make([]serverRequest, 0, n)
		for len(pending) < n {
			pending = append(pending, <-d.reqCh)
		}
		for i := len(pending) - 1; i >= 0; i-- {
			sr := pending[i]
			d.write(context.Background(), sr.conn, protocol.Response{
				ID: sr.req.ID, OK: true, Payload: sr.req.Params,
			})
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			params := map[string]int{"i": i}
			raw, err := c.Request(context.Background(), fmt.Sprintf("echo.%d", i), params, 0)
			assert.NoError(t, err)
			assert.JSONEq(t, fmt.Sprintf(`{"i":%d}`, i), string(raw))
		}(i)
	}
	wg.Wait()
}

func TestRequestTimeoutAndRecovery(t *testing.T) {
	d := newFakeDaemon(t)
	c, _ := newTestClient(t, d, nil)
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.Request(context.Background(), "slow.op", nil, 80*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Contains(t, err.Error(), "slow.op")

	// The late response for the timed-out call must be dropped silently and
	// the connection stay usable for the next request.
	stale := <-d.reqCh
	d.write(context.Background(), stale.conn, protocol.Response{ID: stale.req.ID, OK: true})

	go func() {
		sr := <-d.reqCh
		d.write(context.Background(), sr.conn, protocol.Response{
			ID: sr.req.ID, OK: true, Payload: json.RawMessage(`{"fine":true}`),
		})
	}()
	raw, err := c.Request(context.Background(), "next.op", nil, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"fine":true}`, string(raw))
}

func TestRequestServerError(t *testing.T) {
	d := newFakeDaemon(t)
	c, _ := newTestClient(t, d, nil)
	require.NoError(t, c.Connect(context.Background()))

	go func() {
		sr := <-d.reqCh
		d.write(context.Background(), sr.conn, protocol.Response{
			ID:  sr.req.ID,
			Err: &protocol.WireError{Code: "bad-param", Message: "missing sessionKey"},
		})
	}()

	_, err := c.Request(context.Background(), "chat.send", nil, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRequestFailed)
	var reqErr *domain.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "bad-param", reqErr.Code)
	assert.Equal(t, "missing sessionKey", reqErr.Message)
}

func TestRequestEmptyPayloadIsSuccess(t *testing.T) {
	d := newFakeDaemon(t)
	c, _ := newTestClient(t, d, nil)
	require.NoError(t, c.Connect(context.Background()))

	go func() {
		sr := <-d.reqCh
		d.write(context.Background(), sr.conn, protocol.Response{ID: sr.req.ID, OK: true})
	}()

	raw, err := c.Request(context.Background(), "chat.abort", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, raw)
}

func TestDisconnectFailsAllPending(t *testing.T) {
	d := newFakeDaemon(t)
	c, _ := newTestClient(t, d, nil)
	require.NoError(t, c.Connect(context.Background()))
	serverConn := <-d.conns

	const n = 3
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			_, err := c.Request(context.Background(), fmt.Sprintf("hang.%d", i), nil, 5*time.Second)
			errs <- err
		}(i)
	}
	for i := 0; i < n; i++ {
		<-d.reqCh
	}
	serverConn.Close(websocket.StatusNormalClosure, "going away")

	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, domain.ErrDisconnected)
		case <-time.After(3 * time.Second):
			t.Fatal("pending request did not drain after disconnect")
		}
	}
	assert.Eventually(t, func() bool { return c.State() == StateDisconnected },
		2*time.Second, 10*time.Millisecond)
}

func TestConcurrentConnectSharesOneAttempt(t *testing.T) {
	d := newFakeDaemon(t)
	c, _ := newTestClient(t, d, func(cfg *Config) {
		cfg.ChallengeWait = 150 * time.Millisecond
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Connect(context.Background()))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, d.upgradeCount())
}

func TestSeqGapDetection(t *testing.T) {
	d := newFakeDaemon(t)
	c, _ := newTestClient(t, d, nil)

	var mu sync.Mutex
	var gaps []SeqGap
	c.SetHandlers(Handlers{
		SeqGap: func(g SeqGap) {
			mu.Lock()
			gaps = append(gaps, g)
			mu.Unlock()
		},
	})
	require.NoError(t, c.Connect(context.Background()))
	serverConn := <-d.conns

	for _, seq := range []int64{1, 2, 4} {
		sendWire(t, serverConn, protocol.Event{
			Name: "presence.update", Payload: json.RawMessage(`{}`), Seq: seqPtr(seq),
		})
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gaps) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, SeqGap{Expected: 3, Received: 4}, gaps[0])
}

func TestEventRouting(t *testing.T) {
	d := newFakeDaemon(t)
	c, _ := newTestClient(t, d, nil)

	var mu sync.Mutex
	var tokens []TokenEvent
	var runs []RunStateEvent
	var snaps int
	var generic []string
	c.SetHandlers(Handlers{
		Token: func(ev TokenEvent) {
			mu.Lock()
			tokens = append(tokens, ev)
			mu.Unlock()
		},
		RunState: func(ev RunStateEvent) {
			mu.Lock()
			runs = append(runs, ev)
			mu.Unlock()
		},
		Snapshot: func(SnapshotEvent) {
			mu.Lock()
			snaps++
			mu.Unlock()
		},
		Generic: func(ev protocol.Event) {
			mu.Lock()
			generic = append(generic, ev.Name)
			mu.Unlock()
		},
	})
	require.NoError(t, c.Connect(context.Background()))
	serverConn := <-d.conns

	sendWire(t, serverConn, protocol.Event{
		Name:    EventToken,
		Payload: json.RawMessage(`{"sessionKey":"main","runId":"r1","text":"hel"}`),
	})
	sendWire(t, serverConn, protocol.Event{
		Name:    EventRunState,
		Payload: json.RawMessage(`{"sessionKey":"main","runId":"r1","phase":"completed"}`),
	})
	sendWire(t, serverConn, protocol.Event{
		Name:    EventSnapshot,
		Payload: json.RawMessage(`{"snapshot":{"health":"ok"}}`),
	})
	// A challenge outside the handshake is swallowed entirely.
	sendWire(t, serverConn, protocol.Event{
		Name:    EventConnectChallenge,
		Payload: json.RawMessage(`{"nonce":"late"}`),
	})
	// Well-formed frame, wrong payload shape: consumed and dropped.
	sendWire(t, serverConn, protocol.Event{
		Name:    EventToken,
		Payload: json.RawMessage(`{"text":42}`),
	})
	sendWire(t, serverConn, protocol.Event{
		Name:    "health.changed",
		Payload: json.RawMessage(`{}`),
	})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(generic) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, tokens, 1)
	assert.Equal(t, "hel", tokens[0].Text)
	require.Len(t, runs, 1)
	assert.Equal(t, "completed", runs[0].Phase)
	assert.Equal(t, 1, snaps)
	assert.Equal(t, []string{"health.changed"}, generic)
}

func TestFinishConnectRefusesTornDownConnection(t *testing.T) {
	d := newFakeDaemon(t)
	c, _ := newTestClient(t, d, nil)
	require.NoError(t, c.Connect(context.Background()))

	// Emulate a read failure winning the race against the attempt's final
	// state write: the connection is already gone when the outcome of a
	// successful handshake is recorded.
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	c.handleReadFailure(gen, fmt.Errorf("socket died right after hello"))

	err := c.finishConnect(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDisconnected)
	assert.Equal(t, StateDisconnected, c.State(),
		"a torn-down connection must never settle as connected")

	// The client is not wedged: the next Connect opens a fresh socket.
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 2, d.upgradeCount())
}

func TestRequestWhileDisconnectedReconnects(t *testing.T) {
	d := newFakeDaemon(t)
	c, _ := newTestClient(t, d, nil)

	// Request with no prior Connect establishes the connection lazily.
	go func() {
		sr := <-d.reqCh
		d.write(context.Background(), sr.conn, protocol.Response{
			ID: sr.req.ID, OK: true, Payload: json.RawMessage(`{"models":[]}`),
		})
	}()
	raw, err := c.Request(context.Background(), "models.list", nil, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"models":[]}`, string(raw))
	assert.Equal(t, StateConnected, c.State())
}
