// Package pnl polls the venue's REST account summary for profit figures,
// independent of the websocket session.
package pnl

import (
	"context"
	"crypto/rsa"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"github.com/marketcraft/quoterd/errs"
	"github.com/marketcraft/quoterd/internal/config"
)

const requestTimeout = 10 * time.Second

// Summary is the profit view the fetcher reports.
type Summary struct {
	UnrealisedPnL      float64
	SessionRealisedPnL float64
}

// Fetcher retrieves the account summary over authenticated REST.
type Fetcher struct {
	baseURL string
	keyID   string
	signer  *rsa.PrivateKey
	httpc   *http.Client
}

// NewFetcher builds a fetcher with the given signing key.
func NewFetcher(cfg *config.Config, keyID string, signer *rsa.PrivateKey) *Fetcher {
	return &Fetcher{
		baseURL: cfg.Network.RestBaseURL(),
		keyID:   keyID,
		signer:  signer,
		httpc:   &http.Client{Timeout: requestTimeout},
	}
}

// Fetch returns the current account profit figures.
func (f *Fetcher) Fetch(ctx context.Context) (Summary, error) {
	token, err := f.bearerToken()
	if err != nil {
		return Summary{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/private/account_summary", nil)
	if err != nil {
		return Summary{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := f.httpc.Do(req)
	if err != nil {
		return Summary{}, errs.New("pnl", errs.CodeNetwork, errs.WithCause(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Summary{}, errs.New("pnl", errs.CodeNetwork, errs.WithCause(err))
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Summary{}, errs.New("pnl", errs.CodeAuth,
			errs.WithMessage(fmt.Sprintf("status %d", resp.StatusCode)))
	}
	if resp.StatusCode != http.StatusOK {
		return Summary{}, errs.New("pnl", errs.CodeExchange,
			errs.WithMessage(fmt.Sprintf("status %d", resp.StatusCode)))
	}

	var payload struct {
		Result struct {
			UnrealisedPnL      float64 `json:"unrealised_pnl"`
			SessionRealisedPnL float64 `json:"session_realised_pnl"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Summary{}, errs.New("pnl", errs.CodeExchange, errs.WithCause(err), errs.WithMessage("decode account summary"))
	}
	return Summary{
		UnrealisedPnL:      payload.Result.UnrealisedPnL,
		SessionRealisedPnL: payload.Result.SessionRealisedPnL,
	}, nil
}

func (f *Fetcher) bearerToken() (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS512, jwt.MapClaims{"iat": time.Now().Unix()})
	tok.Header["kid"] = f.keyID
	signed, err := tok.SignedString(f.signer)
	if err != nil {
		return "", errs.New("pnl", errs.CodeAuth, errs.WithMessage("sign bearer token"), errs.WithCause(err))
	}
	return signed, nil
}
