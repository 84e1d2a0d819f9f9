package tokencache

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestMetadataFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Metadata-Flavor") != "Google" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"ya29.meta","expires_in":3599,"token_type":"Bearer"}`))
	}))
	defer srv.Close()

	f := NewMetadataFetcher(srv.URL, time.Second)
	before := time.Now()
	tok, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok.Value != "ya29.meta" {
		t.Errorf("Value = %q", tok.Value)
	}
	if d := tok.Expiry.Sub(before); d < 3598*time.Second || d > 3600*time.Second {
		t.Errorf("expiry offset = %v", d)
	}
}

func TestMetadataFetcherErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{}`},
		{"missing token", http.StatusOK, `{"expires_in":10}`},
		{"malformed", http.StatusOK, `not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			if _, err := NewMetadataFetcher(srv.URL, time.Second).Fetch(context.Background()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestClientCredentialsFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if r.Form.Get("grant_type") != "client_credentials" ||
			r.Form.Get("client_id") != "gw" ||
			r.Form.Get("client_secret") != "s3cret" ||
			r.Form.Get("scope") != "a b" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"access_token":"cc-token","expires_in":60}`))
	}))
	defer srv.Close()

	f, err := NewClientCredentialsFetcher(srv.URL, "gw", "s3cret", []string{"a", "b"}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	tok, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok.Value != "cc-token" {
		t.Errorf("Value = %q", tok.Value)
	}
}

func TestClientCredentialsFetcherErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"rejected", http.StatusUnauthorized, `{"error":"invalid_client"}`},
		{"server error", http.StatusBadGateway, ``},
		{"missing token", http.StatusOK, `{"expires_in":60}`},
		{"not json", http.StatusOK, `<html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
					t.Errorf("Content-Type = %q", ct)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			f, err := NewClientCredentialsFetcher(srv.URL, "gw", "s3cret", nil, time.Second)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := f.Fetch(context.Background()); err == nil {
				t.Error("expected fetch error")
			}
		})
	}
}

func TestClientCredentialsFetcherInvalidURL(t *testing.T) {
	if _, err := NewClientCredentialsFetcher("not a url", "", "", nil, 0); err == nil {
		t.Error("expected error for invalid url")
	}
}

func TestServiceAccountJWTFetcher(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	keyFile := filepath.Join(t.TempDir(), "sa.json")
	data, _ := json.Marshal(ServiceAccountKey{
		ClientEmail:  "gw@proj.iam.gserviceaccount.com",
		PrivateKey:   string(pemKey),
		PrivateKeyID: "kid-1",
	})
	if err := os.WriteFile(keyFile, data, 0o600); err != nil {
		t.Fatal(err)
	}

	f, err := NewServiceAccountJWTFetcher(keyFile, "https://servicecontrol.googleapis.com/")
	if err != nil {
		t.Fatal(err)
	}
	tok, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(tok.Value, &claims, func(tk *jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil || !parsed.Valid {
		t.Fatalf("token does not verify: %v", err)
	}
	if parsed.Header["kid"] != "kid-1" {
		t.Errorf("kid = %v", parsed.Header["kid"])
	}
	if claims.Issuer != "gw@proj.iam.gserviceaccount.com" || claims.Subject != claims.Issuer {
		t.Errorf("iss/sub = %q/%q", claims.Issuer, claims.Subject)
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != "https://servicecontrol.googleapis.com/" {
		t.Errorf("aud = %v", claims.Audience)
	}
	if !claims.ExpiresAt.Time.Equal(tok.Expiry.Truncate(time.Second)) {
		t.Errorf("exp %v does not match token expiry %v", claims.ExpiresAt.Time, tok.Expiry)
	}
}

func TestServiceAccountJWTFetcherValidation(t *testing.T) {
	if _, err := NewServiceAccountJWTFetcherFromKey(ServiceAccountKey{}, "aud"); err == nil {
		t.Error("expected error for missing client_email")
	}
	if _, err := NewServiceAccountJWTFetcherFromKey(ServiceAccountKey{ClientEmail: "a@b"}, ""); err == nil {
		t.Error("expected error for missing audience")
	}
	if _, err := NewServiceAccountJWTFetcherFromKey(ServiceAccountKey{ClientEmail: "a@b", PrivateKey: "junk"}, "aud"); err == nil {
		t.Error("expected error for bad key")
	}
	if _, err := NewServiceAccountJWTFetcher(filepath.Join(t.TempDir(), "missing.json"), "aud"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestStaticFetcher(t *testing.T) {
	tok, err := StaticFetcher{Value: "fixed", Lifetime: time.Minute}.Fetch(context.Background())
	if err != nil || tok.Value != "fixed" {
		t.Fatalf("Fetch = %+v, %v", tok, err)
	}
	if time.Until(tok.Expiry) > time.Minute {
		t.Errorf("expiry too far: %v", tok.Expiry)
	}
}
