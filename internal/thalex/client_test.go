package thalex

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketcraft/quoterd/errs"
	"github.com/marketcraft/quoterd/internal/config"
	"github.com/marketcraft/quoterd/internal/exchange"
)

// fakeVenue is a minimal scripted JSON-RPC websocket endpoint.
type fakeVenue struct {
	t *testing.T
	// respond decides the reply for each received request; a nil return
	// means no reply is sent.
	respond func(req map[string]any) map[string]any
	// push streams extra frames to the client after the handshake.
	push chan map[string]any
}

func (v *fakeVenue) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		go func() {
			for frame := range v.push {
				payload, _ := json.Marshal(frame)
				_ = conn.Write(ctx, websocket.MessageText, payload)
			}
		}()
		for {
			_, raw, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var req map[string]any
			require.NoError(v.t, json.Unmarshal(raw, &req))
			if reply := v.respond(req); reply != nil {
				payload, _ := json.Marshal(reply)
				_ = conn.Write(ctx, websocket.MessageText, payload)
			}
		}
	})
}

func writeTestKey(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600))
	return path, key
}

func clientForTest(t *testing.T, venue *fakeVenue) *Client {
	t.Helper()
	venue.t = t
	if venue.push == nil {
		venue.push = make(chan map[string]any, 8)
	}
	srv := httptest.NewServer(venue.handler())
	t.Cleanup(srv.Close)

	keyPath, _ := writeTestKey(t)
	cfg := config.Default()
	cfg.Credentials = config.Credentials{KeyID: "K1", PrivateKeyFile: keyPath}
	c, err := NewClient(&cfg)
	require.NoError(t, err)
	c.wsURL = "ws" + strings.TrimPrefix(srv.URL, "http")

	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() {
		close(venue.push)
		_ = c.Disconnect(context.Background())
	})
	return c
}

func echoOK(req map[string]any) map[string]any {
	return map[string]any{"id": req["id"], "result": "ok"}
}

func TestLoginSendsVerifiableToken(t *testing.T) {
	var token string
	venue := &fakeVenue{respond: func(req map[string]any) map[string]any {
		if req["method"] == "public/login" {
			token = req["params"].(map[string]any)["token"].(string)
		}
		return echoOK(req)
	}}
	c := clientForTest(t, venue)

	require.NoError(t, c.Login(context.Background()))
	require.NotEmpty(t, token)

	parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) {
		return &c.signer.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS512"}))
	require.NoError(t, err)
	assert.Equal(t, "K1", parsed.Header["kid"])
}

func TestCallCorrelatesResponsesByID(t *testing.T) {
	venue := &fakeVenue{respond: func(req map[string]any) map[string]any {
		if req["method"] != "private/insert" {
			return nil
		}
		params := req["params"].(map[string]any)
		if params["client_order_id"].(float64) != 1001 {
			return map[string]any{"id": req["id"], "error": map[string]any{"code": 1, "message": "bad id"}}
		}
		return echoOK(req)
	}}
	c := clientForTest(t, venue)

	err := c.Insert(context.Background(), exchange.InsertRequest{
		Side: "bid", Price: 29998, Amount: 0.01,
		Instrument: "BTC-PERPETUAL", ClientOrderID: 1001, Label: "simple_quoter",
	})
	require.NoError(t, err)
}

func TestCallSurfacesClassifiedVenueError(t *testing.T) {
	venue := &fakeVenue{respond: func(req map[string]any) map[string]any {
		if req["method"] != "private/amend" {
			return nil
		}
		return map[string]any{"id": req["id"], "error": map[string]any{"code": 4, "message": "order not found"}}
	}}
	c := clientForTest(t, venue)

	err := c.Amend(context.Background(), 1001, 30000, 0.01)
	require.Error(t, err)
	assert.True(t, errs.IsOrderNotFound(err))
}

func TestNotificationsBypassPendingCalls(t *testing.T) {
	venue := &fakeVenue{respond: echoOK}
	c := clientForTest(t, venue)

	venue.push <- map[string]any{
		"channel_name": "session.orders",
		"notification": []map[string]any{{"client_order_id": 1001, "status": "open"}},
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	frame, err := c.Receive(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(frame), "session.orders")
}

func TestReceiveFailsAfterDisconnect(t *testing.T) {
	venue := &fakeVenue{respond: echoOK}
	c := clientForTest(t, venue)
	require.NoError(t, c.Disconnect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := c.Receive(ctx)
	require.Error(t, err)
}

func TestReconnectReplacesStream(t *testing.T) {
	venue := &fakeVenue{respond: func(req map[string]any) map[string]any {
		if req["method"] == "public/ticker" {
			return map[string]any{
				"channel_name": "ticker",
				"notification": map[string]any{"best_bid_price": 29999.0, "best_ask_price": 30001.0},
			}
		}
		return echoOK(req)
	}}
	c := clientForTest(t, venue)

	// cycle the connection on the same client a few times; the retired pump
	// must never touch the channels of the session that replaced it
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Disconnect(context.Background()))
		require.NoError(t, c.Connect(context.Background()))
	}

	require.NoError(t, c.Ticker(context.Background(), "BTC-PERPETUAL"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	frame, err := c.Receive(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(frame), "best_bid_price")
}

func TestLoadPrivateKeyFormats(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	dir := t.TempDir()

	pkcs1 := filepath.Join(dir, "pkcs1.pem")
	require.NoError(t, os.WriteFile(pkcs1, pem.EncodeToMemory(&pem.Block{
		Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key),
	}), 0o600))
	got, err := LoadPrivateKey(pkcs1)
	require.NoError(t, err)
	assert.True(t, key.Equal(got))

	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pkcs8 := filepath.Join(dir, "pkcs8.pem")
	require.NoError(t, os.WriteFile(pkcs8, pem.EncodeToMemory(&pem.Block{
		Type: "PRIVATE KEY", Bytes: der,
	}), 0o600))
	got, err = LoadPrivateKey(pkcs8)
	require.NoError(t, err)
	assert.True(t, key.Equal(got))

	_, err = LoadPrivateKey(filepath.Join(dir, "missing.pem"))
	require.Error(t, err)

	garbage := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a key"), 0o600))
	_, err = LoadPrivateKey(garbage)
	require.Error(t, err)
}
