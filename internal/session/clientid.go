package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ClientIDAuto is the config value that selects a generated client id.
const ClientIDAuto = "auto"

// LoadOrCreateClientID returns a broker client identifier that is
// stable across restarts. The backing UUIDv7 is read from dataDir, or
// generated and persisted there on first use. The identifier keeps the
// random tail of the UUID so it stays within the 23 characters every
// MQTT 3.1.1 broker must accept.
func LoadOrCreateClientID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "instance_id")

	var idStr string
	data, err := os.ReadFile(path)
	if err == nil {
		idStr = strings.TrimSpace(string(data))
	}

	if _, perr := uuid.Parse(idStr); idStr == "" || perr != nil {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generate instance ID: %w", err)
		}
		idStr = id.String()
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return "", fmt.Errorf("create data dir %s: %w", dataDir, err)
		}
		if err := os.WriteFile(path, []byte(idStr+"\n"), 0o644); err != nil {
			return "", fmt.Errorf("persist instance ID to %s: %w", path, err)
		}
	}

	return "envlink-" + idStr[len(idStr)-12:], nil
}
