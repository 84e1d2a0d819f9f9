package tokencache

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"
)

// DefaultMetadataURL is the instance metadata token endpoint.
const DefaultMetadataURL = "http://169.254.169.254/computeMetadata/v1/instance/service-accounts/default/token"

const defaultTokenLifetime = time.Hour

// parseTokenResponse reads {access_token, expires_in} from a credential
// endpoint body.
func parseTokenResponse(body []byte, now time.Time) (Token, error) {
	if !gjson.ValidBytes(body) {
		return Token{}, fmt.Errorf("malformed token response")
	}
	res := gjson.ParseBytes(body)
	access := res.Get("access_token").String()
	if access == "" {
		return Token{}, fmt.Errorf("token response missing access_token")
	}
	lifetime := time.Duration(res.Get("expires_in").Int()) * time.Second
	if lifetime <= 0 {
		lifetime = defaultTokenLifetime
	}
	return Token{Value: access, Expiry: now.Add(lifetime)}, nil
}

// MetadataFetcher obtains tokens from an instance metadata server.
type MetadataFetcher struct {
	client *resty.Client
	url    string
}

// NewMetadataFetcher creates a fetcher for tokenURL, or the default metadata
// endpoint when tokenURL is empty.
func NewMetadataFetcher(tokenURL string, timeout time.Duration) *MetadataFetcher {
	if tokenURL == "" {
		tokenURL = DefaultMetadataURL
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Metadata-Flavor", "Google")
	return &MetadataFetcher{client: client, url: tokenURL}
}

// Fetch implements Fetcher.
func (f *MetadataFetcher) Fetch(ctx context.Context) (Token, error) {
	resp, err := f.client.R().SetContext(ctx).Get(f.url)
	if err != nil {
		return Token{}, fmt.Errorf("metadata request failed: %w", err)
	}
	if resp.IsError() {
		return Token{}, fmt.Errorf("metadata server returned %d", resp.StatusCode())
	}
	return parseTokenResponse(resp.Body(), time.Now())
}

// ClientCredentialsFetcher runs the OAuth2 client_credentials grant.
type ClientCredentialsFetcher struct {
	client       *resty.Client
	tokenURL     string
	clientID     string
	clientSecret string
	scopes       []string
}

// NewClientCredentialsFetcher validates tokenURL and creates the fetcher.
func NewClientCredentialsFetcher(tokenURL, clientID, clientSecret string, scopes []string, timeout time.Duration) (*ClientCredentialsFetcher, error) {
	if _, err := url.ParseRequestURI(tokenURL); err != nil {
		return nil, fmt.Errorf("invalid token url: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ClientCredentialsFetcher{
		client:       resty.New().SetTimeout(timeout),
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		scopes:       scopes,
	}, nil
}

// Fetch implements Fetcher.
func (f *ClientCredentialsFetcher) Fetch(ctx context.Context) (Token, error) {
	form := map[string]string{
		"grant_type":    "client_credentials",
		"client_id":     f.clientID,
		"client_secret": f.clientSecret,
	}
	if len(f.scopes) > 0 {
		form["scope"] = strings.Join(f.scopes, " ")
	}

	resp, err := f.client.R().
		SetContext(ctx).
		SetFormData(form).
		Post(f.tokenURL)
	if err != nil {
		return Token{}, fmt.Errorf("token request failed: %w", err)
	}
	if resp.IsError() {
		return Token{}, fmt.Errorf("token endpoint returned %d", resp.StatusCode())
	}
	return parseTokenResponse(resp.Body(), time.Now())
}

// ServiceAccountKey is the subset of a service account key file used for
// self-signed tokens.
type ServiceAccountKey struct {
	ClientEmail  string `json:"client_email"`
	PrivateKey   string `json:"private_key"`
	PrivateKeyID string `json:"private_key_id"`
}

// ServiceAccountJWTFetcher mints self-signed RS256 JWTs locally.
type ServiceAccountJWTFetcher struct {
	email    string
	keyID    string
	audience string
	key      *rsa.PrivateKey
	lifetime time.Duration
	now      func() time.Time
}

// NewServiceAccountJWTFetcher loads a key file from disk.
func NewServiceAccountJWTFetcher(keyFile, audience string) (*ServiceAccountJWTFetcher, error) {
	data, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("reading service account key: %w", err)
	}
	var sa ServiceAccountKey
	if err := json.Unmarshal(data, &sa); err != nil {
		return nil, fmt.Errorf("parsing service account key: %w", err)
	}
	return NewServiceAccountJWTFetcherFromKey(sa, audience)
}

// NewServiceAccountJWTFetcherFromKey builds a fetcher from a parsed key.
func NewServiceAccountJWTFetcherFromKey(sa ServiceAccountKey, audience string) (*ServiceAccountJWTFetcher, error) {
	if sa.ClientEmail == "" {
		return nil, fmt.Errorf("service account key missing client_email")
	}
	if audience == "" {
		return nil, fmt.Errorf("service account token requires an audience")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(sa.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return &ServiceAccountJWTFetcher{
		email:    sa.ClientEmail,
		keyID:    sa.PrivateKeyID,
		audience: audience,
		key:      key,
		lifetime: defaultTokenLifetime,
		now:      time.Now,
	}, nil
}

// Fetch implements Fetcher.
func (f *ServiceAccountJWTFetcher) Fetch(ctx context.Context) (Token, error) {
	if err := ctx.Err(); err != nil {
		return Token{}, err
	}
	now := f.now()
	exp := now.Add(f.lifetime)
	claims := jwt.RegisteredClaims{
		Issuer:    f.email,
		Subject:   f.email,
		Audience:  jwt.ClaimStrings{f.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if f.keyID != "" {
		token.Header["kid"] = f.keyID
	}
	signed, err := token.SignedString(f.key)
	if err != nil {
		return Token{}, fmt.Errorf("signing service account token: %w", err)
	}
	return Token{Value: signed, Expiry: exp}, nil
}

// StaticFetcher returns a fixed token that expires lifetime after each fetch.
type StaticFetcher struct {
	Value    string
	Lifetime time.Duration
}

// Fetch implements Fetcher.
func (f StaticFetcher) Fetch(context.Context) (Token, error) {
	lifetime := f.Lifetime
	if lifetime <= 0 {
		lifetime = 24 * time.Hour
	}
	return Token{Value: f.Value, Expiry: time.Now().Add(lifetime)}, nil
}
