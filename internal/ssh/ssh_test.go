package ssh

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	xssh "golang.org/x/crypto/ssh"
)

func TestDialHonorsContext(t *testing.T) {
	// A listener that accepts but never speaks SSH keeps the handshake
	// blocked until the context expires.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		<-done
	}()

	priv := filepath.Join(t.TempDir(), "id_ed25519")
	if _, err := GenerateEd25519Keypair(priv); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	signer, err := LoadPrivateKeySigner(priv)
	if err != nil {
		t.Fatalf("load signer: %v", err)
	}
	c := &Client{
		Addr:       ln.Addr().String(),
		User:       "stratus",
		Signer:     signer,
		KnownHosts: xssh.InsecureIgnoreHostKey(),
		Timeout:    5 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := Dial(ctx, c); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
}
