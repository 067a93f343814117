package mobile

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/tdcore/internal/buildinfo"
	"github.com/danmuck/tdcore/internal/protocol/secure"
	"github.com/danmuck/tdcore/internal/server"
	"github.com/danmuck/tdcore/internal/testutil/testlog"
)

func startBackend(t *testing.T) (string, secure.KeyPair) {
	t.Helper()
	key, err := secure.GenerateKeyPair(nil)
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	srv, err := server.New(server.Config{DCID: 1, StaticKey: key})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		_ = srv.Close()
		<-done
	})
	return ln.Addr().String(), key
}

func configFor(addr string, key secure.KeyPair) string {
	return fmt.Sprintf(`dc = 1
server_key = %q
heartbeat = "200ms"

[[dcs]]
id = 1
addr = %q
`, hex.EncodeToString(key.Public[:]), addr)
}

func TestClientRoundTrip(t *testing.T) {
	testlog.Start(t)
	addr, key := startBackend(t)
	c, err := NewClient(configFor(addr, key))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer c.Close()

	c.Send(`{"@type":"echo","@extra":"req-1","value":3}`)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		raw := c.Receive(0.1)
		if raw == "" {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			t.Fatalf("invalid json %q", raw)
		}
		if obj["@type"] != "ok" {
			continue
		}
		if obj["@extra"] != "req-1" {
			t.Fatalf("extra=%v", obj["@extra"])
		}
		return
	}
	t.Fatalf("no answer received")
}

func TestNewClientRejectsBadConfig(t *testing.T) {
	testlog.Start(t)
	if _, err := NewClient(`dc = "one"`); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestExecuteWithoutClient(t *testing.T) {
	testlog.Start(t)
	out := Execute(`{"@type":"getVersion"}`)
	if !strings.Contains(out, buildinfo.Version) {
		t.Fatalf("getVersion=%s", out)
	}
	if Version() != buildinfo.Version {
		t.Fatalf("version=%s", Version())
	}
}
