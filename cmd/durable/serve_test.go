package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audithook "github.com/xraph/durable/audit_hook"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/run"
)

func TestAuditHookLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	hook := newAuditHook(AuditConfig{Enabled: true}, logger)

	r := &run.Run{ID: id.NewRunID(), JobID: "order-fulfilment", FailureKind: run.FailureHandler}
	require.NoError(t, hook.OnRunFailed(context.Background(), r, errors.New("out of stock")))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "ERROR", line["level"])
	assert.Equal(t, audithook.CategoryRun, line["msg"])

	audit, ok := line["audit"].(map[string]any)
	require.True(t, ok, "audit group missing: %s", buf.String())
	assert.Equal(t, audithook.ActionRunFailed, audit["action"])
	assert.Equal(t, r.ID.String(), audit["resource_id"])
}

func TestAuditHookActionFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	hook := newAuditHook(AuditConfig{Enabled: true, Actions: []string{audithook.ActionRunFailed}}, logger)

	r := &run.Run{ID: id.NewRunID(), JobID: "shipping-notice"}
	require.NoError(t, hook.OnRunCompleted(context.Background(), r, time.Second))
	assert.Empty(t, buf.String())
}
