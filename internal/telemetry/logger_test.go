package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProductionLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := &ProductionLogger{format: "json", output: &buf, errLimit: newRateLimiter(0)}
	logger = logger.WithComponent("framework/registry").(*ProductionLogger)

	logger.Info("agent registered", map[string]interface{}{"agent_id": "a1"})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "agent registered", entry["msg"])
	assert.Equal(t, "framework/registry", entry["component"])
	assert.Equal(t, "a1", entry["agent_id"])
}

func TestProductionLoggerNeverLogsRawToken(t *testing.T) {
	var buf bytes.Buffer
	logger := &ProductionLogger{format: "json", output: &buf, errLimit: newRateLimiter(0)}
	logger.Info("token validated", map[string]interface{}{"token_hash": "abc123"})
	assert.NotContains(t, buf.String(), "Bearer")
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "txn-1")
	assert.Equal(t, "txn-1", RequestIDFromContext(ctx))
	assert.Equal(t, "", RequestIDFromContext(context.Background()))
}

func TestDebugSuppressedByDefault(t *testing.T) {
	var buf bytes.Buffer
	logger := &ProductionLogger{format: "text", output: &buf, errLimit: newRateLimiter(0), debug: false}
	logger.Debug("should not appear", nil)
	assert.Empty(t, buf.String())
}
