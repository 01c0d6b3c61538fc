package safehttp

import (
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestBlocked(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"127.0.0.1", true},
		{"10.1.2.3", true},
		{"192.168.0.10", true},
		{"169.254.1.1", true},
		{"::1", true},
		{"0.0.0.0", true},
		{"8.8.8.8", false},
		{"2001:4860:4860::8888", false},
	}
	for _, tt := range tests {
		if got := Blocked(net.ParseIP(tt.ip)); got != tt.want {
			t.Errorf("Blocked(%s) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}

func TestNewTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	open := &http.Client{Transport: NewTransport(time.Second, false)}
	resp, err := open.Get(srv.URL)
	if err != nil {
		t.Fatalf("open transport error = %v", err)
	}
	resp.Body.Close()

	guarded := &http.Client{Transport: NewTransport(time.Second, true)}
	_, err = guarded.Get(srv.URL)
	if !errors.Is(err, ErrPrivateAddress) {
		t.Errorf("guarded transport error = %v, want ErrPrivateAddress", err)
	}
}
