package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestSharedKeySign(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte("secret-account-key"))
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	s, err := NewSharedKey("acct", key, WithSharedKeyClock(func() time.Time { return now }))
	if err != nil {
		t.Fatal(err)
	}

	t.Run("container listing", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, "https://acct.blob.core.windows.net/data?restype=container&comp=list&prefix=logs%2F&delimiter=%2F", nil)
		if err := s.Sign(context.Background(), req); err != nil {
			t.Fatal(err)
		}

		date := "Tue, 02 Jan 2024 03:04:05 GMT"
		if req.Header.Get("x-ms-date") != date {
			t.Errorf("x-ms-date = %q", req.Header.Get("x-ms-date"))
		}
		if req.Header.Get("x-ms-version") != DefaultAzureVersion {
			t.Errorf("x-ms-version = %q", req.Header.Get("x-ms-version"))
		}

		want := strings.Join([]string{
			"GET", "", "", "", "", "", "", "", "", "", "", "",
			"x-ms-date:" + date + "\nx-ms-version:" + DefaultAzureVersion,
			"/acct/data\ncomp:list\ndelimiter:/\nprefix:logs/\nrestype:container",
		}, "\n")
		if got := s.stringToSign(req); got != want {
			t.Fatalf("stringToSign =\n%q\nwant\n%q", got, want)
		}

		mac := hmac.New(sha256.New, []byte("secret-account-key"))
		mac.Write([]byte(want))
		wantAuth := "SharedKey acct:" + base64.StdEncoding.EncodeToString(mac.Sum(nil))
		if got := req.Header.Get("Authorization"); got != wantAuth {
			t.Errorf("Authorization = %q, want %q", got, wantAuth)
		}
	})

	t.Run("block upload carries length and type", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPut, "https://acct.blob.core.windows.net/data/a.txt?comp=block&blockid=YmxvY2s%3D", strings.NewReader("hello"))
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("x-ms-version", "2021-08-06")
		s.Sign(context.Background(), req)

		sts := s.stringToSign(req)
		lines := strings.Split(sts, "\n")
		if lines[0] != "PUT" || lines[3] != "5" || lines[5] != "application/octet-stream" {
			t.Errorf("unexpected fixed fields: %q", lines[:6])
		}
		if !strings.Contains(sts, "x-ms-version:2021-08-06") {
			t.Error("caller's x-ms-version must be kept")
		}
		if !strings.HasSuffix(sts, "/acct/data/a.txt\nblockid:YmxvY2s=\ncomp:block") {
			t.Errorf("resource = %q", sts)
		}
	})
}

func TestNewSharedKeyValidation(t *testing.T) {
	tests := []struct {
		name, account, key string
	}{
		{"no account", "", base64.StdEncoding.EncodeToString([]byte("k"))},
		{"not base64", "acct", "%%%"},
		{"empty key", "acct", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSharedKey(tt.account, tt.key); !errors.Is(err, ErrInvalidCredentials) {
				t.Errorf("err = %v, want ErrInvalidCredentials", err)
			}
		})
	}
}
