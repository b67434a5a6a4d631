package node

import (
	"os"
	"path/filepath"
	"strings"

	"dev.c0redev.radionode/internal/idwords"
)

const idFile = "node_id"

// LoadOrCreateID: override wins; else dataDir/node_id; else a new id is
// generated and persisted there.
func LoadOrCreateID(dataDir, override string) (string, error) {
	if id := strings.TrimSpace(override); id != "" {
		return id, nil
	}
	if dataDir == "" {
		dataDir = "."
	}
	path := filepath.Join(dataDir, idFile)
	if b, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	}
	id := idwords.NodeID(0)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", err
	}
	return id, os.WriteFile(path, []byte(id), 0o600)
}
