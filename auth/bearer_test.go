package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestAzureClientCredentials(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/tenant-1/oauth2/v2.0/token" {
			t.Errorf("token path = %q", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Error(err)
			return
		}
		checks := map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     "client-1",
			"client_secret": "s3cret",
			"scope":         AzureStorageScope,
		}
		for k, want := range checks {
			if got := r.PostForm.Get(k); got != want {
				t.Errorf("form %s = %q, want %q", k, got, want)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"tok-%d","token_type":"Bearer","expires_in":3600}`, hits.Load())
	}))
	defer srv.Close()

	creds := AzureClientCredentials{
		TenantID:      "tenant-1",
		ClientID:      "client-1",
		ClientSecret:  "s3cret",
		AuthorityHost: srv.URL,
	}
	signer, err := NewAzureBearer(context.Background(), creds)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest(http.MethodGet, "https://acct.blob.core.windows.net/c?comp=list", nil)
		if err := signer.Sign(context.Background(), req); err != nil {
			t.Fatalf("Sign() error = %v", err)
		}
		if got := req.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q", got)
		}
		if req.Header.Get("x-ms-version") == "" || req.Header.Get("x-ms-date") == "" {
			t.Error("missing x-ms headers")
		}
	}
	if hits.Load() != 1 {
		t.Errorf("token endpoint hit %d times, want 1", hits.Load())
	}
}

func TestAzureClientCredentialsValidation(t *testing.T) {
	_, err := AzureClientCredentials{TenantID: "t", ClientID: "c"}.TokenSource(context.Background())
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestStaticBearer(t *testing.T) {
	if _, err := NewStaticBearer(""); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("err = %v, want ErrInvalidCredentials", err)
	}

	b, err := NewStaticBearer("pat")
	if err != nil {
		t.Fatal(err)
	}
	req, _ := http.NewRequest(http.MethodPost, "https://host/api/2.0/dbfs/list", nil)
	b.Sign(context.Background(), req)
	if req.Header.Get("Authorization") != "Bearer pat" {
		t.Errorf("Authorization = %q", req.Header.Get("Authorization"))
	}
}

func TestTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("X-Signed")))
	}))
	defer srv.Close()

	client := NewClient(SignerFunc(func(ctx context.Context, req *http.Request) error {
		req.Header.Set("X-Signed", "yes")
		return nil
	}), nil)

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 3)
	n, _ := resp.Body.Read(buf)
	if string(buf[:n]) != "yes" {
		t.Errorf("server saw %q", buf[:n])
	}
	if req.Header.Get("X-Signed") != "" {
		t.Error("caller's request was mutated")
	}

	failing := NewClient(SignerFunc(func(ctx context.Context, req *http.Request) error {
		return ErrInvalidCredentials
	}), nil)
	req, _ = http.NewRequest(http.MethodGet, srv.URL, nil)
	if _, err := failing.Do(req); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("err = %v, want ErrInvalidCredentials", err)
	}
}
