package ibkr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/parthchandak02/ibkr-recurring-orders/internal/config"
	"github.com/parthchandak02/ibkr-recurring-orders/pkg/logger"
)

const (
	requestTimeout = 15 * time.Second

	retryAttempts = 3
	retryBase     = 500 * time.Millisecond
	retryFactor   = 2
	retryJitter   = 0.2
)

// Client provides methods to interact with the IBKR Web API. One Client lives
// for the whole process; the singleton behavior of the source system is
// realized by wiring, not by package globals.
type Client struct {
	baseURL    string
	httpClient *http.Client
	creds      *credentials
	limiter    *rate.Limiter

	mu  sync.Mutex // guards lst derivation and publication
	lst *liveSessionToken

	acctMu    sync.Mutex
	accountID string
}

// NewClient creates a new IBKR API client from broker configuration. Private
// keys are loaded once and kept in memory; the LST is derived lazily on the
// first authenticated call.
func NewClient(cfg config.BrokerConf) (*Client, error) {
	sigKey, err := loadPrivateKey(cfg.SignatureKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load signature key: %w", err)
	}
	encKey, err := loadPrivateKey(cfg.EncryptionKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load encryption key: %w", err)
	}
	prime, ok := new(big.Int).SetString(strings.TrimPrefix(cfg.DHPrime, "0x"), 16)
	if !ok {
		return nil, fmt.Errorf("broker.dh_prime is not a valid hex integer")
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: requestTimeout},
		creds: &credentials{
			consumerKey:       cfg.ConsumerKey,
			accessToken:       cfg.AccessToken,
			accessTokenSecret: cfg.AccessTokenSecret,
			realm:             cfg.Realm,
			signatureKey:      sigKey,
			encryptionKey:     encKey,
			dhPrime:           prime,
		},
		limiter:   rate.NewLimiter(rate.Limit(10), 10),
		accountID: cfg.AccountID,
	}, nil
}

// BaseURL returns the broker endpoint the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// --- Live session token lifecycle ---

// liveSession returns the current LST snapshot, deriving a new one when
// missing or within the refresh threshold of expiration.
func (c *Client) liveSession(ctx context.Context) (*liveSessionToken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lst.valid(time.Now()) {
		return c.lst, nil
	}
	lst, err := c.deriveLiveSessionToken(ctx)
	if err != nil {
		return nil, err
	}
	c.lst = lst
	return lst, nil
}

// InvalidateSession discards the held LST, forcing re-derivation on the next
// authenticated call. The tickler calls this after repeated failures.
func (c *Client) InvalidateSession() {
	c.mu.Lock()
	c.lst = nil
	c.mu.Unlock()
}

// deriveLiveSessionToken performs the Diffie-Hellman handshake of §oauth.go.
// Callers hold c.mu so the new snapshot is published atomically.
func (c *Client) deriveLiveSessionToken(ctx context.Context) (*liveSessionToken, error) {
	endpoint := c.baseURL + "/oauth/live_session_token"

	dhRandom, dhChallenge, err := c.creds.dhKeypair()
	if err != nil {
		return nil, &AuthError{Reason: "DH keypair generation failed", Err: err}
	}
	prepend, err := c.creds.decryptAccessTokenSecret()
	if err != nil {
		return nil, &AuthError{Reason: "access token secret decryption failed", Err: err}
	}

	params, err := c.creds.baseOAuthParams(signatureMethodRSA, time.Now())
	if err != nil {
		return nil, &AuthError{Reason: "nonce generation failed", Err: err}
	}
	// Emitted as lowercase hex without a leading 0x.
	params["diffie_hellman_challenge"] = dhChallenge.Text(16)

	baseString := fmt.Sprintf("%x", prepend) + signatureBaseString(http.MethodPost, endpoint, params)
	signature, err := c.creds.signRSA(baseString)
	if err != nil {
		return nil, &AuthError{Reason: "RSA signing failed", Err: err}
	}
	params["oauth_signature"] = percentEncode(signature)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", oauthHeader(c.creds.realm, params))
	req.Header.Set("Content-Type", "application/json")

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &AuthError{Reason: "live session token request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &AuthError{Reason: "reading live session token response failed", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &AuthError{Reason: fmt.Sprintf("live session token endpoint returned %d: %s", resp.StatusCode, body)}
	}

	var lstResp liveSessionTokenResponse
	if err := json.Unmarshal(body, &lstResp); err != nil {
		return nil, &AuthError{Reason: "undecodable live session token response", Err: err}
	}
	dhResponse, ok := new(big.Int).SetString(strings.TrimPrefix(lstResp.DiffieHellmanResponse, "0x"), 16)
	if !ok {
		return nil, &AuthError{Reason: fmt.Sprintf("diffie_hellman_response %q is not hex", lstResp.DiffieHellmanResponse)}
	}

	secret := computeLST(c.creds.dhPrime, dhResponse, dhRandom, prepend)
	if !verifyLST(secret, c.creds.consumerKey, lstResp.LiveSessionTokenSignature) {
		return nil, &AuthError{Reason: "live session token signature verification failed"}
	}

	expiration := time.UnixMilli(lstResp.LiveSessionTokenExpiry)
	logger.Infof("Live session token derived, expires %s", expiration.Format(time.RFC3339))
	return &liveSessionToken{secret: secret, expiration: expiration}, nil
}

// --- Signed request plumbing ---

// attemptTag classifies a single request attempt so the outer layer can
// dispatch without exceptions-as-control-flow.
type attemptTag int

const (
	attemptOK attemptTag = iota
	attemptAuthExpired
	attemptTransportError
	attemptProtocolError
)

type attemptResult struct {
	tag    attemptTag
	status int
	body   []byte
	err    error
}

// attempt performs one signed HTTP round trip.
func (c *Client) attempt(ctx context.Context, lst *liveSessionToken, method, path string, query url.Values, payload any) attemptResult {
	endpoint := c.baseURL + path

	params, err := c.creds.baseOAuthParams(signatureMethodHMAC, time.Now())
	if err != nil {
		return attemptResult{tag: attemptProtocolError, err: err}
	}
	// Query-string parameters join the signature base; JSON body bytes do not.
	for k, vs := range query {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	baseString := signatureBaseString(method, endpoint, params)
	signature := signHMAC(lst.secret, baseString)

	headerParams := make(map[string]string, len(params))
	for k, v := range params {
		if strings.HasPrefix(k, "oauth_") {
			headerParams[k] = v
		}
	}
	headerParams["oauth_signature"] = percentEncode(signature)

	fullURL := endpoint
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return attemptResult{tag: attemptProtocolError, err: err}
		}
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return attemptResult{tag: attemptProtocolError, err: err}
	}
	req.Header.Set("Authorization", oauthHeader(c.creds.realm, headerParams))
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return attemptResult{tag: attemptTransportError, err: err}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return attemptResult{tag: attemptTransportError, err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return attemptResult{tag: attemptTransportError, err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized,
		bytes.Contains(body, []byte("Session expired")):
		return attemptResult{tag: attemptAuthExpired, status: resp.StatusCode, body: body}
	case resp.StatusCode >= 500:
		return attemptResult{tag: attemptTransportError, status: resp.StatusCode, body: body,
			err: fmt.Errorf("broker returned %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return attemptResult{tag: attemptProtocolError, status: resp.StatusCode, body: body,
			err: &BrokerError{Status: resp.StatusCode, Body: string(body)}}
	default:
		return attemptResult{tag: attemptOK, status: resp.StatusCode, body: body}
	}
}

// attemptWithRetry retries transport errors and 5xx responses with
// exponential backoff (500ms base, factor 2, ±20% jitter, 3 attempts).
func (c *Client) attemptWithRetry(ctx context.Context, lst *liveSessionToken, method, path string, query url.Values, payload any) attemptResult {
	var res attemptResult
	delay := retryBase
	for i := 0; i < retryAttempts; i++ {
		res = c.attempt(ctx, lst, method, path, query, payload)
		if res.tag != attemptTransportError {
			return res
		}
		if i == retryAttempts-1 {
			break
		}
		jittered := time.Duration(float64(delay) * (1 + retryJitter*(2*rand.Float64()-1)))
		logger.Warnf("Transient broker error on %s %s (attempt %d/%d), retrying in %v: %v",
			method, path, i+1, retryAttempts, jittered, res.err)
		select {
		case <-ctx.Done():
			res.err = ctx.Err()
			return res
		case <-time.After(jittered):
		}
		delay *= retryFactor
	}
	return res
}

// send performs an authenticated request with the one-shot expired-session
// replay: on 401 the LST is discarded, re-derived once, and the request is
// replayed once; a second expiry surfaces as AuthError.
func (c *Client) send(ctx context.Context, method, path string, query url.Values, payload, out any) error {
	lst, err := c.liveSession(ctx)
	if err != nil {
		return err
	}

	res := c.attemptWithRetry(ctx, lst, method, path, query, payload)
	if res.tag == attemptAuthExpired {
		logger.Warn("Broker session expired, re-deriving live session token and replaying request")
		c.InvalidateSession()
		lst, err = c.liveSession(ctx)
		if err != nil {
			return err
		}
		res = c.attemptWithRetry(ctx, lst, method, path, query, payload)
	}

	switch res.tag {
	case attemptOK:
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(res.body, out); err != nil {
			return fmt.Errorf("failed to decode %s %s response (status %d, body: %s): %w",
				method, path, res.status, res.body, err)
		}
		return nil
	case attemptAuthExpired:
		return &AuthError{Reason: fmt.Sprintf("session expired twice on %s %s", method, path)}
	case attemptTransportError:
		if res.err == nil {
			res.err = fmt.Errorf("status %d: %s", res.status, res.body)
		}
		return fmt.Errorf("broker unreachable on %s %s: %w", method, path, res.err)
	default:
		return res.err
	}
}

// --- Typed API surface ---

// Tickle issues the keep-alive request and returns the server session state.
func (c *Client) Tickle(ctx context.Context) (*TickleResponse, error) {
	var out TickleResponse
	if err := c.send(ctx, http.MethodGet, "/tickle", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResolveSymbol resolves a stock symbol to its contract id, taking the first
// match that trades as a US stock.
func (c *Client) ResolveSymbol(ctx context.Context, symbol string) (int64, error) {
	query := url.Values{"symbol": []string{strings.ToUpper(strings.TrimSpace(symbol))}}
	var matches []SecdefMatch
	if err := c.send(ctx, http.MethodGet, "/iserver/secdef/search", query, nil, &matches); err != nil {
		return 0, err
	}
	for _, m := range matches {
		for _, sec := range m.Sections {
			if sec.SecType != "STK" {
				continue
			}
			conid, err := m.Conid.Int64()
			if err != nil || conid == 0 {
				continue
			}
			return conid, nil
		}
	}
	return 0, fmt.Errorf("no US stock match for symbol %q", symbol)
}

// GetSnapshot fetches the requested market data fields for a contract.
func (c *Client) GetSnapshot(ctx context.Context, conid int64, fields []int) (*Snapshot, error) {
	fieldStrs := make([]string, len(fields))
	for i, f := range fields {
		fieldStrs[i] = strconv.Itoa(f)
	}
	query := url.Values{
		"conids": []string{strconv.FormatInt(conid, 10)},
		"fields": []string{strings.Join(fieldStrs, ",")},
	}

	var rows []map[string]json.RawMessage
	if err := c.send(ctx, http.MethodGet, "/iserver/marketdata/snapshot", query, nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("empty snapshot response for conid %d", conid)
	}

	snap := &Snapshot{Conid: conid}
	for field, dst := range map[int]**decimal.Decimal{
		FieldLast: &snap.Last,
		FieldBid:  &snap.Bid,
		FieldAsk:  &snap.Ask,
	} {
		raw, ok := rows[0][strconv.Itoa(field)]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		price, err := parseSnapshotPrice(s)
		if err != nil {
			logger.Debugf("Ignoring snapshot field %d for conid %d: %v", field, conid, err)
			continue
		}
		*dst = price
	}
	return snap, nil
}

// PlaceOrder submits an order and drives the confirmation-reply protocol
// until the broker issues an order id.
func (c *Client) PlaceOrder(ctx context.Context, accountID string, req OrderRequest) (*OrderAck, error) {
	path := fmt.Sprintf("/iserver/account/%s/orders", accountID)

	var replies []orderReply
	if err := c.send(ctx, http.MethodPost, path, nil, orderSubmission{Orders: []OrderRequest{req}}, &replies); err != nil {
		return nil, err
	}
	return c.runReplyLoop(ctx, replies)
}

// GetOrders lists the account's live orders.
func (c *Client) GetOrders(ctx context.Context) ([]LiveOrder, error) {
	var out liveOrdersResponse
	if err := c.send(ctx, http.MethodGet, "/iserver/account/orders", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Orders, nil
}

// GetAccounts returns the brokerage accounts visible to the session.
func (c *Client) GetAccounts(ctx context.Context) (*AccountsResponse, error) {
	var out AccountsResponse
	if err := c.send(ctx, http.MethodGet, "/iserver/accounts", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AccountID returns the configured account id, discovering and caching the
// first visible account when none is configured.
func (c *Client) AccountID(ctx context.Context) (string, error) {
	c.acctMu.Lock()
	defer c.acctMu.Unlock()

	if c.accountID != "" {
		return c.accountID, nil
	}
	accts, err := c.GetAccounts(ctx)
	if err != nil {
		return "", fmt.Errorf("account discovery failed: %w", err)
	}
	switch {
	case accts.SelectedAccount != "":
		c.accountID = accts.SelectedAccount
	case len(accts.Accounts) > 0:
		c.accountID = accts.Accounts[0]
	default:
		return "", fmt.Errorf("no brokerage accounts visible to this session")
	}
	logger.Infof("Discovered brokerage account %s", c.accountID)
	return c.accountID, nil
}

// GetAccountPositions returns one page of the account's positions.
func (c *Client) GetAccountPositions(ctx context.Context, accountID string, page int) ([]Position, error) {
	path := fmt.Sprintf("/portfolio/%s/positions/%d", accountID, page)
	var out []Position
	if err := c.send(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
