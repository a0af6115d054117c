package httpapi

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"testing"
	"time"

	"huddle/internal/auth"
	"huddle/internal/relay"
	"huddle/internal/room"
)

func TestSelfSignedTLSReturnsValidCert(t *testing.T) {
	validity := 2 * time.Hour
	tlsCfg, fingerprint, err := SelfSignedTLS(validity, "")
	if err != nil {
		t.Fatalf("SelfSignedTLS: %v", err)
	}
	if len(fingerprint) != 64 {
		t.Errorf("fingerprint length: got %d, want 64", len(fingerprint))
	}
	if len(tlsCfg.Certificates) != 1 {
		t.Fatalf("expected 1 certificate, got %d", len(tlsCfg.Certificates))
	}

	leaf := tlsCfg.Certificates[0].Leaf
	if leaf == nil {
		t.Fatal("expected parsed leaf certificate")
	}
	if leaf.Subject.CommonName != "huddle" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "huddle")
	}
	now := time.Now()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		t.Errorf("cert not valid now: NotBefore=%v NotAfter=%v", leaf.NotBefore, leaf.NotAfter)
	}

	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	if _, err := leaf.Verify(x509.VerifyOptions{DNSName: "localhost", Roots: pool}); err != nil {
		t.Errorf("self-verification failed: %v", err)
	}
}

func TestSelfSignedTLSUniqueCerts(t *testing.T) {
	_, fp1, err := SelfSignedTLS(time.Hour, "")
	if err != nil {
		t.Fatalf("SelfSignedTLS: %v", err)
	}
	_, fp2, err := SelfSignedTLS(time.Hour, "")
	if err != nil {
		t.Fatalf("SelfSignedTLS: %v", err)
	}
	if fp1 == fp2 {
		t.Error("two calls should produce different certificates")
	}
}

func TestSelfSignedTLSCustomHostname(t *testing.T) {
	tlsCfg, _, err := SelfSignedTLS(time.Hour, "myhost.local")
	if err != nil {
		t.Fatalf("SelfSignedTLS: %v", err)
	}
	leaf := tlsCfg.Certificates[0].Leaf
	if leaf.Subject.CommonName != "myhost.local" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "myhost.local")
	}

	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	for _, name := range []string{"localhost", "myhost.local"} {
		if _, err := leaf.Verify(x509.VerifyOptions{DNSName: name, Roots: pool}); err != nil {
			t.Errorf("verification against %s failed: %v", name, err)
		}
	}
}

func TestLoadTLSMissingFiles(t *testing.T) {
	if _, err := LoadTLS("/nonexistent/cert.pem", "/nonexistent/key.pem"); err == nil {
		t.Fatal("expected error for missing key pair")
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestRunServesTLS(t *testing.T) {
	tlsCfg, _, err := SelfSignedTLS(time.Hour, "")
	if err != nil {
		t.Fatalf("SelfSignedTLS: %v", err)
	}
	rooms := room.NewRegistry(room.WithLogger(discard))
	srv, err := New(Deps{
		Rooms:    rooms,
		Relay:    relay.New(relay.Config{Rooms: rooms, Logger: discard}),
		Resolver: auth.HeaderResolver{},
		Logger:   discard,
		TLS:      tlsCfg,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	addr := freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Run(ctx, addr) }()

	client := &http.Client{
		Timeout:   time.Second,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := client.Get("https://" + addr + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("expected 200 over TLS, got %d", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never answered over TLS: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
