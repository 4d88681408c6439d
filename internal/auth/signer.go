// Package auth loads exchange credentials and signs REST requests.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	apperrors "exchange_connector/pkg/errors"

	"github.com/goccy/go-json"
)

const (
	restHostProd    = "api.binance.com"
	restHostTestnet = "testnet.binance.vision"
	wsHostProd      = "stream.binance.com"
	wsHostTestnet   = "stream.testnet.binance.vision"
)

// Params is an insertion-ordered parameter list. Binance signs the query
// string exactly as sent, so ordering must be preserved.
type Params struct {
	keys   []string
	values []string
}

// NewParams creates an empty parameter list.
func NewParams() *Params {
	return &Params{}
}

// Add appends a key/value pair and returns the list for chaining.
func (p *Params) Add(key, value string) *Params {
	p.keys = append(p.keys, key)
	p.values = append(p.values, value)
	return p
}

// Encode renders k1=v1&k2=v2 in insertion order.
func (p *Params) Encode() string {
	var b strings.Builder
	for i, k := range p.keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(p.values[i])
	}
	return b.String()
}

// Signer holds immutable credential data. Safe for concurrent use.
type Signer struct {
	apiKey     string
	secretKey  string
	useTestnet bool
}

type credentialFile struct {
	BinanceTestnet struct {
		APIKey     string `json:"api_key"`
		SecretKey  string `json:"secret_key"`
		UseTestnet *bool  `json:"use_testnet"`
	} `json:"binance_testnet"`
}

// NewSigner loads credentials from the JSON vault file.
func NewSigner(vaultPath string) (*Signer, error) {
	data, err := os.ReadFile(vaultPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", apperrors.ErrCredentialsUnavailable, vaultPath, err)
	}

	var vault credentialFile
	if err := json.Unmarshal(data, &vault); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", apperrors.ErrCredentialsUnavailable, vaultPath, err)
	}

	creds := vault.BinanceTestnet
	if creds.APIKey == "" || creds.SecretKey == "" {
		return nil, fmt.Errorf("%w: %s is missing api_key or secret_key", apperrors.ErrCredentialsUnavailable, vaultPath)
	}

	useTestnet := true
	if creds.UseTestnet != nil {
		useTestnet = *creds.UseTestnet
	}

	return &Signer{
		apiKey:     creds.APIKey,
		secretKey:  creds.SecretKey,
		useTestnet: useTestnet,
	}, nil
}

// NewSignerFromKeys builds a signer from in-memory credentials.
func NewSignerFromKeys(apiKey, secretKey string, useTestnet bool) (*Signer, error) {
	if apiKey == "" || secretKey == "" {
		return nil, apperrors.ErrCredentialsUnavailable
	}
	return &Signer{apiKey: apiKey, secretKey: secretKey, useTestnet: useTestnet}, nil
}

// Sign produces the signed query string for the given parameters,
// appending the current millisecond timestamp when requested.
func (s *Signer) Sign(params *Params, withTimestamp bool) string {
	if withTimestamp {
		return s.SignAt(params, time.Now().UnixMilli())
	}
	return s.signQuery(params.Encode())
}

// SignAt signs with an explicit timestamp. Fixed inputs produce fixed
// output.
func (s *Signer) SignAt(params *Params, timestampMs int64) string {
	query := params.Encode()
	if query != "" {
		query += "&"
	}
	query += "timestamp=" + strconv.FormatInt(timestampMs, 10)
	return s.signQuery(query)
}

func (s *Signer) signQuery(query string) string {
	mac := hmac.New(sha256.New, []byte(s.secretKey))
	mac.Write([]byte(query))
	signature := hex.EncodeToString(mac.Sum(nil))
	if query == "" {
		return "signature=" + signature
	}
	return query + "&signature=" + signature
}

// AddAuthHeader inserts the API-key header.
func (s *Signer) AddAuthHeader(headers map[string]string) {
	headers["X-MBX-APIKEY"] = s.apiKey
}

// UseTestnet reports whether testnet hosts are selected.
func (s *Signer) UseTestnet() bool {
	return s.useTestnet
}

// RestBase returns the REST hostname for the configured environment.
func (s *Signer) RestBase() string {
	if s.useTestnet {
		return restHostTestnet
	}
	return restHostProd
}

// WsBase returns the WebSocket hostname for the configured environment.
func (s *Signer) WsBase() string {
	if s.useTestnet {
		return wsHostTestnet
	}
	return wsHostProd
}
