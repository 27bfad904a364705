// Package thalex implements the venue client over a JSON-RPC websocket channel.
package thalex

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"github.com/marketcraft/quoterd/errs"
	"github.com/marketcraft/quoterd/internal/config"
	"github.com/marketcraft/quoterd/internal/exchange"
	"github.com/marketcraft/quoterd/internal/observability"
)

const (
	venueName       = "thalex"
	readLimit       = 2 * 1024 * 1024
	writeTimeout    = 5 * time.Second
	callTimeout     = 10 * time.Second
	inboundCapacity = 512
	healthyWindow   = 15 * time.Second
)

type request struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
	ID     uint64 `json:"id"`
}

type envelope struct {
	ChannelName string          `json:"channel_name"`
	ID          *uint64         `json:"id"`
	Result      json.RawMessage `json:"result"`
	Error       *wireError      `json:"error"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type callOutcome struct {
	result json.RawMessage
	err    error
}

// Client is the concrete venue client. A single read pump goroutine owns all
// socket reads: frames answering an awaited call are routed to the caller,
// everything else is forwarded to the inbound stream consumed via Receive.
type Client struct {
	cfg    *config.Config
	keyID  string
	signer *rsa.PrivateKey
	wsURL  string

	connMu sync.RWMutex
	conn   *websocket.Conn

	writeMu sync.Mutex
	msgID   atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan callOutcome

	inbound  chan []byte
	pumpDone chan struct{}
	pumpErr  error

	lastFrame atomic.Int64
}

var _ exchange.Client = (*Client)(nil)

// NewClient builds a venue client from configuration, loading the private key
// used for login and REST authentication.
func NewClient(cfg *config.Config) (*Client, error) {
	key, err := LoadPrivateKey(cfg.Credentials.PrivateKeyFile)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:    cfg,
		keyID:  cfg.Credentials.KeyID,
		signer: key,
		wsURL:  cfg.Network.WebsocketURL(),
	}, nil
}

// LoadPrivateKey reads and parses the RSA private key PEM at path.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.New(venueName, errs.CodeAuth, errs.WithMessage("read private key"), errs.WithCause(err))
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errs.New(venueName, errs.CodeAuth, errs.WithMessage("no PEM block in private key file"))
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errs.New(venueName, errs.CodeAuth, errs.WithMessage("parse private key"), errs.WithCause(err))
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errs.New(venueName, errs.CodeAuth, errs.WithMessage("private key is not RSA"))
	}
	return key, nil
}

// Connect dials the venue websocket and starts the read pump.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, c.wsURL, nil)
	if err != nil {
		return errs.New(venueName, errs.CodeNetwork, errs.WithMessage("dial"), errs.WithCause(err))
	}
	conn.SetReadLimit(readLimit)
	c.conn = conn
	c.pending = make(map[uint64]chan callOutcome)
	c.inbound = make(chan []byte, inboundCapacity)
	c.pumpDone = make(chan struct{})
	c.pumpErr = nil
	c.lastFrame.Store(time.Now().UnixNano())
	go c.readPump(conn, c.inbound, c.pumpDone)
	return nil
}

// Connected reports whether a websocket connection is established.
func (c *Client) Connected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn != nil
}

// ConnectionHealthy reports whether the connection is established and frames
// have been observed recently.
func (c *Client) ConnectionHealthy() bool {
	if !c.Connected() {
		return false
	}
	last := time.Unix(0, c.lastFrame.Load())
	return time.Since(last) < healthyWindow
}

// Disconnect closes the websocket and tears down the read pump.
func (c *Client) Disconnect(_ context.Context) error {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close(websocket.StatusNormalClosure, "shutdown")
	if err != nil && !errors.Is(err, context.Canceled) {
		return errs.New(venueName, errs.CodeNetwork, errs.WithMessage("close"), errs.WithCause(err))
	}
	return nil
}

// Login authenticates the session with an RS512-signed token.
func (c *Client) Login(ctx context.Context) error {
	token, err := c.authToken()
	if err != nil {
		return err
	}
	_, err = c.call(ctx, "public/login", map[string]any{"token": token})
	return err
}

func (c *Client) authToken() (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS512, jwt.MapClaims{"iat": time.Now().Unix()})
	tok.Header["kid"] = c.keyID
	signed, err := tok.SignedString(c.signer)
	if err != nil {
		return "", errs.New(venueName, errs.CodeAuth, errs.WithMessage("sign auth token"), errs.WithCause(err))
	}
	return signed, nil
}

// SetCancelOnDisconnect arms the venue's dead-man switch for the session.
func (c *Client) SetCancelOnDisconnect(ctx context.Context, timeout time.Duration) error {
	_, err := c.call(ctx, "private/set_cancel_on_disconnect", map[string]any{
		"timeout_secs": int(timeout / time.Second),
	})
	return err
}

// PrivateSubscribe subscribes the session to the given private channels.
func (c *Client) PrivateSubscribe(ctx context.Context, channels []string) error {
	_, err := c.call(ctx, "private/subscribe", map[string]any{"channels": channels})
	return err
}

// Insert submits a new limit order carrying the fixed client order id and label.
func (c *Client) Insert(ctx context.Context, req exchange.InsertRequest) error {
	_, err := c.call(ctx, "private/insert", map[string]any{
		"direction":       req.Side.Direction(),
		"instrument_name": req.Instrument,
		"amount":          req.Amount,
		"price":           req.Price,
		"client_order_id": req.ClientOrderID,
		"label":           req.Label,
	})
	return err
}

// Amend reprices an existing order identified by its client order id.
func (c *Client) Amend(ctx context.Context, clientOrderID uint64, price, amount float64) error {
	_, err := c.call(ctx, "private/amend", map[string]any{
		"client_order_id": clientOrderID,
		"price":           price,
		"amount":          amount,
	})
	return err
}

// Cancel cancels the order identified by its client order id.
func (c *Client) Cancel(ctx context.Context, clientOrderID uint64) error {
	_, err := c.call(ctx, "private/cancel", map[string]any{"client_order_id": clientOrderID})
	return err
}

// CancelAll cancels every order of the account.
func (c *Client) CancelAll(ctx context.Context) error {
	_, err := c.call(ctx, "private/cancel_all", nil)
	return err
}

// CancelSession cancels all orders belonging to the current session.
func (c *Client) CancelSession(ctx context.Context) error {
	_, err := c.call(ctx, "private/cancel_session", nil)
	return err
}

// OrderStatus requests a status refresh; the result arrives on the stream.
func (c *Client) OrderStatus(ctx context.Context, clientOrderID uint64) error {
	return c.send(ctx, "private/order_status", map[string]any{"client_order_id": clientOrderID})
}

// Ticker requests top-of-book data; the result arrives on the stream.
func (c *Client) Ticker(ctx context.Context, instrument string) error {
	return c.send(ctx, "public/ticker", map[string]any{"instrument_name": instrument})
}

// AccountSummary requests account PnL data; the result arrives on the stream.
func (c *Client) AccountSummary(ctx context.Context) error {
	return c.send(ctx, "private/account_summary", nil)
}

// Instrument requests instrument metadata; the result arrives on the stream.
func (c *Client) Instrument(ctx context.Context, name string) error {
	return c.send(ctx, "public/instrument", map[string]any{"instrument_name": name})
}

// Receive yields one raw frame from the notification stream.
func (c *Client) Receive(ctx context.Context) ([]byte, error) {
	c.connMu.RLock()
	inbound := c.inbound
	pumpDone := c.pumpDone
	c.connMu.RUnlock()
	if inbound == nil {
		return nil, errs.New(venueName, errs.CodeUnavailable, errs.WithMessage("not connected"))
	}
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("receive context: %w", ctx.Err())
	case frame, ok := <-inbound:
		if ok {
			return frame, nil
		}
	case <-pumpDone:
	}
	// drain anything buffered before the pump stopped
	select {
	case frame, ok := <-inbound:
		if ok {
			return frame, nil
		}
	default:
	}
	c.connMu.RLock()
	err := c.pumpErr
	c.connMu.RUnlock()
	if err == nil {
		err = errors.New("stream closed")
	}
	return nil, errs.New(venueName, errs.CodeNetwork, errs.WithMessage("receive"), errs.WithCause(err))
}

func (c *Client) nextID() uint64 {
	return c.msgID.Add(1)
}

func (c *Client) write(ctx context.Context, req request) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return errs.New(venueName, errs.CodeUnavailable, errs.WithMessage("not connected"))
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return errs.New(venueName, errs.CodeInvalid, errs.WithMessage("encode request"), errs.WithCause(err))
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
		return errs.New(venueName, errs.CodeNetwork, errs.WithMessage(req.Method), errs.WithCause(err))
	}
	return nil
}

// send issues a request without waiting for its result.
func (c *Client) send(ctx context.Context, method string, params any) error {
	return c.write(ctx, request{Method: method, Params: params, ID: c.nextID()})
}

// call issues a request and waits for the matching result or error frame.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID()
	ch := make(chan callOutcome, 1)
	c.pendingMu.Lock()
	if c.pending == nil {
		c.pendingMu.Unlock()
		return nil, errs.New(venueName, errs.CodeUnavailable, errs.WithMessage("not connected"))
	}
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(ctx, request{Method: method, Params: params, ID: id}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(callTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	case <-timer.C:
		return nil, errs.New(venueName, errs.CodeTimeout, errs.WithMessage(method))
	case out := <-ch:
		if out.err != nil {
			return nil, fmt.Errorf("%s: %w", method, out.err)
		}
		return out.result, nil
	}
}

// readPump owns the channels of the connection it was started for. A
// reconnect swaps the fields on the client, so the pump must only ever touch
// its captured inbound/pumpDone and never the client's current ones.
func (c *Client) readPump(conn *websocket.Conn, inbound chan []byte, pumpDone chan struct{}) {
	defer close(pumpDone)
	for {
		_, raw, err := conn.Read(context.Background())
		if err != nil {
			c.connMu.Lock()
			current := c.inbound == inbound
			if current {
				c.pumpErr = err
			}
			c.connMu.Unlock()
			if current {
				// pending calls of a superseded connection were already
				// re-registered against the new session or have timed out
				c.failPending(err)
			}
			close(inbound)
			return
		}
		c.lastFrame.Store(time.Now().UnixNano())
		if !c.routeToPending(raw) {
			select {
			case inbound <- raw:
			default:
				observability.Log().Warn("inbound frame queue full, dropping frame")
			}
		}
	}
}

// routeToPending delivers result/error frames to awaited calls. It returns
// false when the frame belongs on the notification stream.
func (c *Client) routeToPending(raw []byte) bool {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.ID == nil {
		return false
	}
	c.pendingMu.Lock()
	ch, ok := c.pending[*env.ID]
	if ok {
		delete(c.pending, *env.ID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	if env.Error != nil {
		ch <- callOutcome{err: ClassifyVenueError(env.Error.Code, env.Error.Message)}
	} else {
		ch <- callOutcome{result: env.Result}
	}
	return true
}

func (c *Client) failPending(cause error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		ch <- callOutcome{err: errs.New(venueName, errs.CodeNetwork, errs.WithMessage("connection lost"), errs.WithCause(cause))}
		delete(c.pending, id)
	}
}
