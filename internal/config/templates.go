package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "client":
		return clientTemplate, nil
	case "server":
		return serverTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// Validate loads path as kind and reports the first problem.
func Validate(path, kind string) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "client":
		_, err := LoadClientConfig(path)
		return err
	case "server":
		_, err := LoadServerConfig(path)
		return err
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
	}
}

const clientTemplate = `# primary data center
dc = 1
# hex X25519 public key printed by "tdserverd keygen"
server_key = "8520f0098930a754748b7ddcb43ef75a0dbf3a0d26381af4eba4a98eaa9b4e6a"
api_token = ""
client_version = "tdcore"
layer = 1

# memory | sqlite | postgres
store_driver = "sqlite"
store_dsn = "tdcore.db"

ntp_host = ""
statsd_addr = ""
admin_addr = ""
max_connect_attempts = 0

request_timeout = "30s"
flood_wait_max = "60s"
gap_timeout = "500ms"
connect_timeout = "5s"
heartbeat = "5s"
session_dead_after = "15s"
max_frame_size = "8MiB"
compress_threshold = "1KiB"
security_mode = "development"

[[dcs]]
id = 1
addr = "127.0.0.1:4430"
transport = "tcp"

[[dcs]]
id = 2
addr = "127.0.0.1:4431"
transport = "tcp"
`

const serverTemplate = `dc_id = 1
listen_addr = ":4430"
ws_listen_addr = ":4480"
admin_addr = ":9090"
cors_origins = ["http://localhost:3000"]
# hex X25519 private key printed by "tdserverd keygen"
static_key = "77076d0a7318a57d3c16c17251b26645df4c2f87ebc0992ab177fba51db92c2a"
api_tokens = []
min_layer = 0
layer = 1
update_log_size = 10000
response_cache_size = 1024
max_frame_size = "8MiB"
session_dead_after = "15s"
security_mode = "development"
statsd_addr = ""

[[dcs]]
id = 1
addr = "127.0.0.1:4430"
transport = "tcp"

[[dcs]]
id = 2
addr = "127.0.0.1:4431"
transport = "tcp"
`
