package pnl

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketcraft/quoterd/errs"
)

func fetcherForTest(t *testing.T, handler http.Handler) (*Fetcher, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &Fetcher{
		baseURL: srv.URL,
		keyID:   "K1",
		signer:  key,
		httpc:   srv.Client(),
	}, key
}

func TestFetchParsesProfitFigures(t *testing.T) {
	var gotAuth string
	f, key := fetcherForTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/private/account_summary", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"result":{"unrealised_pnl":42.5,"session_realised_pnl":-1.25}}`)
	}))

	summary, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42.5, summary.UnrealisedPnL)
	assert.Equal(t, -1.25, summary.SessionRealisedPnL)

	// the bearer token must verify against our key and carry the key id
	require.True(t, strings.HasPrefix(gotAuth, "Bearer "))
	parsed, err := jwt.Parse(strings.TrimPrefix(gotAuth, "Bearer "), func(tok *jwt.Token) (any, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS512"}))
	require.NoError(t, err)
	assert.Equal(t, "K1", parsed.Header["kid"])
	claims := parsed.Claims.(jwt.MapClaims)
	assert.InDelta(t, float64(time.Now().Unix()), claims["iat"].(float64), 5)
}

func TestFetchClassifiesAuthFailure(t *testing.T) {
	f, _ := fetcherForTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))

	_, err := f.Fetch(context.Background())
	require.Error(t, err)
	var e *errs.E
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.CodeAuth, e.Code)
}

func TestFetchClassifiesServerFailure(t *testing.T) {
	f, _ := fetcherForTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	_, err := f.Fetch(context.Background())
	require.Error(t, err)
	var e *errs.E
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.CodeExchange, e.Code)
}

func TestFetchRejectsMalformedBody(t *testing.T) {
	f, _ := fetcherForTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "not json")
	}))

	_, err := f.Fetch(context.Background())
	require.Error(t, err)
}
