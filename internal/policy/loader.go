package policy

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/controlplane/fleet/internal/store"
	"github.com/controlplane/fleet/internal/telemetry"
)

// documentStoreKey is where the authoritative Policy Document lives in the
// Shared Store, when one has been published there.
const documentStoreKey = "policy:document"

// Loader resolves a Document from the document store first, a YAML file
// second, and built-in defaults last (spec.md §4.6).
type Loader struct {
	store      store.Store
	yamlPath   string
	logger     telemetry.Logger
}

// NewLoader creates a Loader. yamlPath may be empty to skip the YAML tier.
func NewLoader(s store.Store, yamlPath string, logger telemetry.Logger) *Loader {
	if logger == nil {
		logger = telemetry.NoOp()
	}
	return &Loader{store: s, yamlPath: yamlPath, logger: logger.WithComponent("framework/policy")}
}

// Load resolves the current Document using the three-tier priority.
func (l *Loader) Load(ctx context.Context) *Document {
	if l.store != nil {
		raw, found, err := l.store.Get(ctx, documentStoreKey)
		if err != nil {
			l.logger.Warn("policy document store read failed", map[string]interface{}{"error": err.Error()})
		} else if found {
			doc, err := parseYAML([]byte(raw))
			if err == nil {
				return doc
			}
			l.logger.Warn("policy document in store was malformed", map[string]interface{}{"error": err.Error()})
		}
	}

	if l.yamlPath != "" {
		blob, err := os.ReadFile(l.yamlPath)
		if err != nil {
			l.logger.Warn("policy yaml fallback unavailable", map[string]interface{}{"path": l.yamlPath, "error": err.Error()})
		} else {
			doc, err := parseYAML(blob)
			if err == nil {
				return doc
			}
			l.logger.Warn("policy yaml fallback malformed", map[string]interface{}{"path": l.yamlPath, "error": err.Error()})
		}
	}

	l.logger.Warn("falling back to built-in default policy document (fail closed)", nil)
	return Default()
}

func parseYAML(blob []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(blob, &doc); err != nil {
		return nil, fmt.Errorf("policy: parse document: %w", err)
	}
	return &doc, nil
}
