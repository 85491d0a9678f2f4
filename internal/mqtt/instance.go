package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateInstanceID returns the process instance id stored in
// dataDir, creating one on first use. It keeps MQTT client ids stable
// across restarts so brokers can resume sessions.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "instance_id")

	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance id: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write instance id %s: %w", path, err)
	}
	return id.String(), nil
}

// ClientID builds the broker client id for one agent.
func ClientID(instanceID, username string) string {
	short := instanceID
	if i := strings.LastIndexByte(short, '-'); i >= 0 {
		short = short[i+1:]
	}
	return "troupe-" + short + "-" + TopicSegment(username)
}

// TopicSegment makes s safe as one topic level.
func TopicSegment(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	r := strings.NewReplacer("/", "_", "+", "_", "#", "_", " ", "_")
	return r.Replace(s)
}
