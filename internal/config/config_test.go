package config

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/tdcore/internal/auth"
	"github.com/danmuck/tdcore/internal/protocol/session"
	"github.com/danmuck/tdcore/internal/testutil/testlog"
)

const testServerKey = "8520f0098930a754748b7ddcb43ef75a0dbf3a0d26381af4eba4a98eaa9b4e6a"

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestClientTemplateLoads(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "client.toml")
	if err := WriteTemplate(path, "client", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	cfg, err := LoadClientConfig(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	if cfg.DC != 1 || len(cfg.DCs) != 2 || cfg.StoreDriver != StoreSQLite {
		t.Fatalf("unexpected client config %+v", cfg)
	}
	if cfg.Session.MaxFrameSize != 8<<20 || cfg.Session.CompressThreshold != 1024 {
		t.Fatalf("sizes not parsed: frame=%d compress=%d", cfg.Session.MaxFrameSize, cfg.Session.CompressThreshold)
	}
	if cfg.GapTimeout != 500*time.Millisecond || cfg.FloodWaitMax != time.Minute {
		t.Fatalf("durations not parsed: gap=%s flood=%s", cfg.GapTimeout, cfg.FloodWaitMax)
	}
	if err := WriteTemplate(path, "client", false); err == nil {
		t.Fatalf("expected refusal to overwrite existing config")
	}
	if err := WriteTemplate(path, "client", true); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
}

func TestClientDefaultsKeptWhenKeysAbsent(t *testing.T) {
	testlog.Start(t)
	cfg, err := ParseClientConfig(`
server_key = "` + testServerKey + `"
heartbeat = "2s"

[[dcs]]
id = 1
addr = "127.0.0.1:4430"
`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	def := DefaultClientConfig()
	if cfg.Session.HeartbeatInterval != 2*time.Second {
		t.Fatalf("heartbeat=%s", cfg.Session.HeartbeatInterval)
	}
	if cfg.Session.RequestTimeout != def.Session.RequestTimeout || cfg.StoreDriver != StoreMemory {
		t.Fatalf("defaults not kept: %+v", cfg)
	}
}

func TestClientConfigRejections(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"no dcs":      `server_key = "` + testServerKey + `"`,
		"missing key": "[[dcs]]\nid = 1\naddr = \"a:1\"\n",
		"bad key":     "server_key = \"zz\"\n[[dcs]]\nid = 1\naddr = \"a:1\"\n",
		"unknown dc":  "dc = 3\nserver_key = \"" + testServerKey + "\"\n[[dcs]]\nid = 1\naddr = \"a:1\"\n",
		"bad size":    "max_frame_size = \"lots\"\nserver_key = \"" + testServerKey + "\"\n[[dcs]]\nid = 1\naddr = \"a:1\"\n",
		"bad dur":     "heartbeat = \"soon\"\nserver_key = \"" + testServerKey + "\"\n[[dcs]]\nid = 1\naddr = \"a:1\"\n",
		"sqlite dsn":  "store_driver = \"sqlite\"\nserver_key = \"" + testServerKey + "\"\n[[dcs]]\nid = 1\naddr = \"a:1\"\n",
		"prod no tls": "security_mode = \"production\"\nserver_key = \"" + testServerKey + "\"\n[[dcs]]\nid = 1\naddr = \"a:1\"\n",
	}
	for name, doc := range cases {
		if _, err := ParseClientConfig(doc); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestServerTemplateBuildsServerConfig(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "server.toml")
	if err := WriteTemplate(path, "server", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := Validate(path, "server"); err != nil {
		t.Fatalf("validate: %v", err)
	}
	fileCfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg, err := fileCfg.Server()
	if err != nil {
		t.Fatalf("server config: %v", err)
	}
	if cfg.DCID != 1 || cfg.ListenAddr != ":4430" || len(cfg.DCs) != 2 {
		t.Fatalf("unexpected server config %+v", cfg)
	}
	if got := hex.EncodeToString(cfg.StaticKey.Public[:]); got != testServerKey {
		t.Fatalf("derived public key %s", got)
	}
	if cfg.Validator != nil {
		t.Fatalf("expected no validator without tokens")
	}
}

func TestServerTokensBecomeValidator(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "server.toml", `
static_key = "77076d0a7318a57d3c16c17251b26645df4c2f87ebc0992ab177fba51db92c2a"
api_tokens = ["alpha", "beta"]
min_layer = 2
security_mode = "production"
`)
	fileCfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg, err := fileCfg.Server()
	if err != nil {
		t.Fatalf("server config: %v", err)
	}
	if cfg.Session.SecurityMode != session.SecurityModeProduction {
		t.Fatalf("security mode %q", cfg.Session.SecurityMode)
	}
	if err := cfg.Validator.Validate(auth.Credentials{APIToken: "beta", Layer: 2}); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
	if err := cfg.Validator.Validate(auth.Credentials{APIToken: "beta", Layer: 1}); err == nil {
		t.Fatalf("old layer accepted")
	}
	if err := cfg.Validator.Validate(auth.Credentials{APIToken: "gamma", Layer: 2}); err == nil {
		t.Fatalf("unknown token accepted")
	}
}

func TestServerConfigRejections(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"missing key":    `listen_addr = ":1"`,
		"bad key":        `static_key = "abc"`,
		"prod no tokens": "static_key = \"77076d0a7318a57d3c16c17251b26645df4c2f87ebc0992ab177fba51db92c2a\"\nsecurity_mode = \"production\"\n",
		"bad dc":         "static_key = \"77076d0a7318a57d3c16c17251b26645df4c2f87ebc0992ab177fba51db92c2a\"\n[[dcs]]\nid = 0\naddr = \"a:1\"\n",
	}
	for name, doc := range cases {
		if _, err := LoadServerConfig(writeFile(t, "server.toml", doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestParseBytes(t *testing.T) {
	testlog.Start(t)
	cases := map[string]int64{
		"1024": 1024,
		"1KiB": 1024,
		"8MiB": 8 << 20,
	}
	for raw, want := range cases {
		got, err := parseBytes("size", raw)
		if err != nil || got != want {
			t.Fatalf("parseBytes(%q)=%d,%v want %d", raw, got, err, want)
		}
	}
}

func TestUnknownKind(t *testing.T) {
	testlog.Start(t)
	if _, err := Template("mirage"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}
