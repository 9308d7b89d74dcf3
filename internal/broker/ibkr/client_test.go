package ibkr

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parthchandak02/ibkr-recurring-orders/internal/config"
)

// mockBroker simulates the IBKR OAuth handshake server-side so client tests
// can run the full derive-sign-verify cycle against httptest.
type mockBroker struct {
	t *testing.T

	consumerKey     string
	secretPlaintext []byte
	prime           *big.Int
	serverExponent  *big.Int

	lstSecret   atomic.Value // []byte, set after each handshake
	derivations atomic.Int64
}

func newMockBroker(t *testing.T, consumerKey string, secretPlaintext []byte) *mockBroker {
	return &mockBroker{
		t:               t,
		consumerKey:     consumerKey,
		secretPlaintext: secretPlaintext,
		prime:           big.NewInt(227), // small prime keeps the handshake readable
		serverExponent:  big.NewInt(77),
	}
}

// parseOAuthHeader splits `OAuth realm="..", k="v", ...` into a map.
func parseOAuthHeader(t *testing.T, header string) map[string]string {
	t.Helper()
	require.True(t, strings.HasPrefix(header, "OAuth "), "unexpected Authorization header %q", header)

	out := map[string]string{}
	for _, pair := range strings.Split(strings.TrimPrefix(header, "OAuth "), ", ") {
		k, v, found := strings.Cut(pair, "=")
		require.True(t, found, "malformed header pair %q", pair)
		out[k] = strings.Trim(v, `"`)
	}
	return out
}

// handleLST implements POST /oauth/live_session_token.
func (m *mockBroker) handleLST(w http.ResponseWriter, r *http.Request) {
	m.derivations.Add(1)
	params := parseOAuthHeader(m.t, r.Header.Get("Authorization"))

	assert.Equal(m.t, m.consumerKey, params["oauth_consumer_key"])
	assert.Equal(m.t, "RSA-SHA256", params["oauth_signature_method"])
	assert.NotEmpty(m.t, params["oauth_signature"])

	challenge, ok := new(big.Int).SetString(params["diffie_hellman_challenge"], 16)
	require.True(m.t, ok, "challenge is not hex: %q", params["diffie_hellman_challenge"])

	shared := new(big.Int).Exp(challenge, m.serverExponent, m.prime)
	mac := hmac.New(sha1.New, bigIntToSignedBytes(shared))
	mac.Write(m.secretPlaintext)
	lst := mac.Sum(nil)
	m.lstSecret.Store(lst)

	sig := hmac.New(sha1.New, lst)
	sig.Write([]byte(m.consumerKey))

	response := new(big.Int).Exp(big.NewInt(2), m.serverExponent, m.prime)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"diffie_hellman_response":       response.Text(16),
		"live_session_token_signature":  hex.EncodeToString(sig.Sum(nil)),
		"live_session_token_expiration": time.Now().Add(time.Hour).UnixMilli(),
	})
}

// requireValidSignature recomputes the HMAC-SHA256 request signature and
// fails the test when the Authorization header does not validate.
func (m *mockBroker) requireValidSignature(r *http.Request, baseEndpoint string) {
	params := parseOAuthHeader(m.t, r.Header.Get("Authorization"))
	require.Equal(m.t, "HMAC-SHA256", params["oauth_signature_method"])

	sigParams := map[string]string{}
	for k, v := range params {
		if strings.HasPrefix(k, "oauth_") && k != "oauth_signature" {
			sigParams[k] = v
		}
	}
	for k, vs := range r.URL.Query() {
		sigParams[k] = vs[0]
	}

	base := signatureBaseString(r.Method, baseEndpoint, sigParams)
	lst, _ := m.lstSecret.Load().([]byte)
	require.NotNil(m.t, lst, "signed request before any handshake")

	mac := hmac.New(sha256.New, lst)
	mac.Write([]byte(base))
	want := percentEncode(base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	require.Equal(m.t, want, params["oauth_signature"], "request signature does not validate")
}

// newTestClient writes throwaway RSA keys, encrypts the access token secret,
// and builds a client pointed at the given server URL.
func newTestClient(t *testing.T, m *mockBroker, baseURL string) *Client {
	t.Helper()

	sigKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	encKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	dir := t.TempDir()
	writeKey := func(name string, key *rsa.PrivateKey) string {
		path := filepath.Join(dir, name)
		block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
		require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0600))
		return path
	}

	ciphertext, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, &encKey.PublicKey, m.secretPlaintext, nil)
	require.NoError(t, err)

	client, err := NewClient(config.BrokerConf{
		BaseURL:           baseURL,
		ConsumerKey:       m.consumerKey,
		AccessToken:       "access-token",
		AccessTokenSecret: base64.StdEncoding.EncodeToString(ciphertext),
		DHPrime:           m.prime.Text(16),
		Realm:             "test_realm",
		SignatureKeyPath:  writeKey("sig.pem", sigKey),
		EncryptionKeyPath: writeKey("enc.pem", encKey),
	})
	require.NoError(t, err)
	return client
}

func TestLiveSessionTokenHandshake(t *testing.T) {
	m := newMockBroker(t, "CONSUMER", []byte("decrypted-token-secret"))

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/live_session_token", m.handleLST)
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, m, server.URL)

	lst, err := client.liveSession(t.Context())
	require.NoError(t, err)
	assert.Equal(t, m.lstSecret.Load().([]byte), lst.secret,
		"client and server must derive the same token")
	assert.Equal(t, int64(1), m.derivations.Load())

	// A second call reuses the held snapshot.
	_, err = client.liveSession(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.derivations.Load())
}

func TestLiveSessionTokenVerificationFailure(t *testing.T) {
	m := newMockBroker(t, "CONSUMER", []byte("decrypted-token-secret"))

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/live_session_token", func(w http.ResponseWriter, r *http.Request) {
		m.derivations.Add(1)
		// A handshake whose signature does not match the derived token.
		json.NewEncoder(w).Encode(map[string]any{
			"diffie_hellman_response":       big.NewInt(42).Text(16),
			"live_session_token_signature":  "deadbeef",
			"live_session_token_expiration": time.Now().Add(time.Hour).UnixMilli(),
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, m, server.URL)
	_, err := client.liveSession(t.Context())

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.Reason, "verification failed")
}

func TestSignedRequestValidates(t *testing.T) {
	m := newMockBroker(t, "CONSUMER", []byte("decrypted-token-secret"))

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/oauth/live_session_token", m.handleLST)
	mux.HandleFunc("/tickle", func(w http.ResponseWriter, r *http.Request) {
		m.requireValidSignature(r, server.URL+"/tickle")
		json.NewEncoder(w).Encode(TickleResponse{Session: "sess-1"})
	})

	client := newTestClient(t, m, server.URL)
	resp, err := client.Tickle(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "sess-1", resp.Session)
}

func TestSessionExpiredReplaysOnce(t *testing.T) {
	m := newMockBroker(t, "CONSUMER", []byte("decrypted-token-secret"))

	var accountCalls atomic.Int64
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/oauth/live_session_token", m.handleLST)
	mux.HandleFunc("/iserver/accounts", func(w http.ResponseWriter, r *http.Request) {
		if accountCalls.Add(1) == 1 {
			http.Error(w, "Session expired", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(AccountsResponse{Accounts: []string{"U1234567"}})
	})

	client := newTestClient(t, m, server.URL)
	acct, err := client.AccountID(t.Context())
	require.NoError(t, err)

	assert.Equal(t, "U1234567", acct)
	assert.Equal(t, int64(2), accountCalls.Load(), "request should be replayed exactly once")
	assert.Equal(t, int64(2), m.derivations.Load(), "LST should be re-derived exactly once")
}

func TestSessionExpiredTwiceIsAuthError(t *testing.T) {
	m := newMockBroker(t, "CONSUMER", []byte("decrypted-token-secret"))

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/oauth/live_session_token", m.handleLST)
	mux.HandleFunc("/iserver/accounts", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Session expired", http.StatusUnauthorized)
	})

	client := newTestClient(t, m, server.URL)
	_, err := client.AccountID(t.Context())

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestClientErrorIsNotRetried(t *testing.T) {
	m := newMockBroker(t, "CONSUMER", []byte("decrypted-token-secret"))

	var calls atomic.Int64
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/oauth/live_session_token", m.handleLST)
	mux.HandleFunc("/iserver/secdef/search", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"bad symbol"}`, http.StatusBadRequest)
	})

	client := newTestClient(t, m, server.URL)
	_, err := client.ResolveSymbol(t.Context(), "AAPL")

	var brokerErr *BrokerError
	require.ErrorAs(t, err, &brokerErr)
	assert.Equal(t, http.StatusBadRequest, brokerErr.Status)
	assert.Equal(t, int64(1), calls.Load(), "4xx must not be retried")
}

func TestResolveSymbolPicksFirstStockMatch(t *testing.T) {
	m := newMockBroker(t, "CONSUMER", []byte("decrypted-token-secret"))

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/oauth/live_session_token", m.handleLST)
	mux.HandleFunc("/iserver/secdef/search", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "AAPL", r.URL.Query().Get("symbol"))
		fmt.Fprint(w, `[
			{"conid": 1111, "companyName": "Apple Hospitality", "sections": [{"secType": "BOND"}]},
			{"conid": 265598, "companyName": "APPLE INC", "description": "NASDAQ", "sections": [{"secType": "STK", "exchange": "NASDAQ"}]}
		]`)
	})

	client := newTestClient(t, m, server.URL)
	conid, err := client.ResolveSymbol(t.Context(), "aapl ")
	require.NoError(t, err)
	assert.Equal(t, int64(265598), conid)
}

func TestResolveSymbolNoMatch(t *testing.T) {
	m := newMockBroker(t, "CONSUMER", []byte("decrypted-token-secret"))

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/oauth/live_session_token", m.handleLST)
	mux.HandleFunc("/iserver/secdef/search", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})

	client := newTestClient(t, m, server.URL)
	_, err := client.ResolveSymbol(t.Context(), "ZZZZZZ")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no US stock match")
}

func TestGetSnapshotParsesMarkedPrices(t *testing.T) {
	m := newMockBroker(t, "CONSUMER", []byte("decrypted-token-secret"))

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/oauth/live_session_token", m.handleLST)
	mux.HandleFunc("/iserver/marketdata/snapshot", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "265598", r.URL.Query().Get("conids"))
		assert.Equal(t, "31,84,86", r.URL.Query().Get("fields"))
		fmt.Fprint(w, `[{"conid": 265598, "31": "C200.00", "84": "199.90", "86": "200.10"}]`)
	})

	client := newTestClient(t, m, server.URL)
	snap, err := client.GetSnapshot(t.Context(), 265598, []int{FieldLast, FieldBid, FieldAsk})
	require.NoError(t, err)

	require.NotNil(t, snap.Last)
	assert.Equal(t, "200", snap.Last.String())
	require.NotNil(t, snap.Mid())
	assert.Equal(t, "200", snap.Mid().String())
}

func TestPlaceOrderConfirmationChain(t *testing.T) {
	m := newMockBroker(t, "CONSUMER", []byte("decrypted-token-secret"))

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/oauth/live_session_token", m.handleLST)
	mux.HandleFunc("/iserver/account/U1/orders", func(w http.ResponseWriter, r *http.Request) {
		var sub orderSubmission
		require.NoError(t, json.NewDecoder(r.Body).Decode(&sub))
		require.Len(t, sub.Orders, 1)
		assert.Equal(t, "BUY", sub.Orders[0].Side)
		assert.Equal(t, "MKT", sub.Orders[0].OrderType)
		fmt.Fprint(w, `[{"id": "p1", "message": ["You are about to submit a market order"]}]`)
	})
	mux.HandleFunc("/iserver/reply/p1", func(w http.ResponseWriter, r *http.Request) {
		var confirm confirmRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&confirm))
		assert.True(t, confirm.Confirmed)
		fmt.Fprint(w, `[{"id": "p2", "message": ["Order size exceeds daily average"]}]`)
	})
	mux.HandleFunc("/iserver/reply/p2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"order_id": "X1", "order_status": "Submitted"}]`)
	})

	client := newTestClient(t, m, server.URL)
	ack, err := client.PlaceOrder(t.Context(), "U1", OrderRequest{
		Conid: 265598, OrderType: "MKT", Side: "BUY", TIF: "DAY", Quantity: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, "X1", ack.OrderID)
}

func TestPlaceOrderReplyBudgetExceeded(t *testing.T) {
	m := newMockBroker(t, "CONSUMER", []byte("decrypted-token-secret"))

	var prompts atomic.Int64
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/oauth/live_session_token", m.handleLST)
	mux.HandleFunc("/iserver/account/U1/orders", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id": "p0", "message": ["prompt"]}]`)
	})
	mux.HandleFunc("/iserver/reply/", func(w http.ResponseWriter, r *http.Request) {
		// Never acknowledge; keep issuing fresh prompts.
		fmt.Fprintf(w, `[{"id": "p%d", "message": ["prompt"]}]`, prompts.Add(1))
	})

	client := newTestClient(t, m, server.URL)
	_, err := client.PlaceOrder(t.Context(), "U1", OrderRequest{
		Conid: 265598, OrderType: "MKT", Side: "BUY", TIF: "DAY", Quantity: 1,
	})

	var protoErr *OrderProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Contains(t, protoErr.Reason, "exceeded cap")
}

func TestPlaceOrderBrokerErrorObject(t *testing.T) {
	m := newMockBroker(t, "CONSUMER", []byte("decrypted-token-secret"))

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/oauth/live_session_token", m.handleLST)
	mux.HandleFunc("/iserver/account/U1/orders", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"error": "insufficient buying power"}]`)
	})

	client := newTestClient(t, m, server.URL)
	_, err := client.PlaceOrder(t.Context(), "U1", OrderRequest{
		Conid: 265598, OrderType: "MKT", Side: "BUY", TIF: "DAY", Quantity: 1,
	})

	var protoErr *OrderProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Contains(t, protoErr.Reason, "insufficient buying power")
}

func TestQueryParametersJoinSignatureBase(t *testing.T) {
	// Changing a query parameter must change the signature; a mismatched
	// parameter set fails validation server-side.
	params := map[string]string{"oauth_nonce": "n", "symbol": "AAPL"}
	a := signatureBaseString("GET", "https://x/y", params)
	params["symbol"] = "SPY"
	b := signatureBaseString("GET", "https://x/y", params)
	assert.NotEqual(t, a, b)
}
