package ibkr

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"
)

// The IBKR first-party OAuth 1.0a flow: a long-lived access token plus an
// RSA-encrypted access token secret are exchanged for a short-lived live
// session token (LST) via a Diffie-Hellman handshake. The LST then keys
// HMAC-SHA256 signatures on every authenticated request.

const (
	signatureMethodRSA  = "RSA-SHA256"
	signatureMethodHMAC = "HMAC-SHA256"

	// Re-derive when the held LST is within this window of its expiration.
	lstRefreshThreshold = 5 * time.Minute
)

// credentials holds the immutable OAuth material loaded at startup.
type credentials struct {
	consumerKey       string
	accessToken       string
	accessTokenSecret string // base64 ciphertext
	realm             string
	signatureKey      *rsa.PrivateKey
	encryptionKey     *rsa.PrivateKey
	dhPrime           *big.Int
}

// liveSessionToken is an immutable snapshot. The client publishes a new value
// under its mutex; readers never observe a half-derived token.
type liveSessionToken struct {
	secret     []byte // raw HMAC key material
	expiration time.Time
}

func (t *liveSessionToken) valid(now time.Time) bool {
	return t != nil && now.Add(lstRefreshThreshold).Before(t.expiration)
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block found", path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s: not an RSA private key", path)
	}
	return key, nil
}

// newNonce returns 16 random hex characters.
func newNonce() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// percentEncode applies the RFC 5849 percent-encoding: unreserved characters
// pass through, everything else becomes %XX with uppercase hex.
func percentEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// signatureBaseString builds "METHOD&enc(url)&enc(k1=v1&k2=v2...)" with the
// parameter pairs sorted by key.
func signatureBaseString(method, rawURL string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}
	return method + "&" + percentEncode(rawURL) + "&" + percentEncode(strings.Join(pairs, "&"))
}

// bigIntToSignedBytes serializes a non-negative big integer as big-endian
// bytes with the positive-signed-magnitude convention: a leading 0x00 byte is
// prepended when the top bit of the first byte is set. The broker computes
// its HMAC over this encoding; omitting the leading zero byte makes LST
// verification fail. See TestBigIntToSignedBytes for the vector.
func bigIntToSignedBytes(x *big.Int) []byte {
	b := x.Bytes()
	if len(b) == 0 {
		return []byte{0}
	}
	if b[0]&0x80 != 0 {
		return append([]byte{0}, b...)
	}
	return b
}

// oauthHeader renders the Authorization header: realm first, then the
// remaining pairs sorted by key, values double-quoted.
func oauthHeader(realm string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(`OAuth realm="` + realm + `"`)
	for _, k := range keys {
		b.WriteString(`, ` + k + `="` + params[k] + `"`)
	}
	return b.String()
}

// baseOAuthParams returns the parameter set common to every signed request.
func (c *credentials) baseOAuthParams(method string, now time.Time) (map[string]string, error) {
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"oauth_consumer_key":     c.consumerKey,
		"oauth_nonce":            nonce,
		"oauth_signature_method": method,
		"oauth_timestamp":        fmt.Sprintf("%d", now.Unix()),
		"oauth_token":            c.accessToken,
	}, nil
}

// decryptAccessTokenSecret RSA-OAEP decrypts the base64 access token secret
// with the private encryption key, yielding the "prepend" bytes of the LST
// handshake.
func (c *credentials) decryptAccessTokenSecret() ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(c.accessTokenSecret)
	if err != nil {
		return nil, fmt.Errorf("access token secret is not valid base64: %w", err)
	}
	plain, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, c.encryptionKey, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("OAEP decryption of access token secret failed: %w", err)
	}
	return plain, nil
}

// signRSA signs the base string with the signature key using RSA-SHA256 and
// returns the base64 signature.
func (c *credentials) signRSA(baseString string) (string, error) {
	digest := sha256.Sum256([]byte(baseString))
	sig, err := rsa.SignPKCS1v15(rand.Reader, c.signatureKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// signHMAC signs the base string with the live session token secret using
// HMAC-SHA256 and returns the base64 signature.
func signHMAC(lstSecret []byte, baseString string) string {
	mac := hmac.New(sha256.New, lstSecret)
	mac.Write([]byte(baseString))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// dhKeypair draws a random DH exponent in [2, prime-2] and returns it with
// the challenge 2^random mod prime.
func (c *credentials) dhKeypair() (random, challenge *big.Int, err error) {
	// rand.Int yields [0, prime-4]; shifting by 2 lands in [2, prime-2].
	bound := new(big.Int).Sub(c.dhPrime, big.NewInt(3))
	r, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return nil, nil, err
	}
	random = r.Add(r, big.NewInt(2))
	challenge = new(big.Int).Exp(big.NewInt(2), random, c.dhPrime)
	return random, challenge, nil
}

// computeLST derives the live session token from the broker's DH response:
// K = response^random mod prime, then HMAC-SHA1 over the decrypted access
// token secret keyed by K's signed-magnitude bytes.
func computeLST(prime, response, random *big.Int, prepend []byte) []byte {
	k := new(big.Int).Exp(response, random, prime)
	mac := hmac.New(sha1.New, bigIntToSignedBytes(k))
	mac.Write(prepend)
	return mac.Sum(nil)
}

// verifyLST checks the broker's hex HMAC-SHA1 of the consumer key under the
// derived token. A mismatch means the handshake must not be trusted.
func verifyLST(lstSecret []byte, consumerKey, wantHexSig string) bool {
	mac := hmac.New(sha1.New, lstSecret)
	mac.Write([]byte(consumerKey))
	return hmac.Equal([]byte(hex.EncodeToString(mac.Sum(nil))), []byte(strings.ToLower(wantHexSig)))
}
