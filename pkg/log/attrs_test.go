package log_test

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/petrijr/flowcore/pkg/api"
	"github.com/petrijr/flowcore/pkg/log"
)

func TestIDAttrs(t *testing.T) {
	assertAttrEqual(t, log.StreamID("orders"), "stream_id", "orders")
	assertAttrEqual(t, log.TraceID("t-1"), "trace_id", "t-1")
	assertAttrEqual(t, log.ContextID("c-1"), "context_id", "c-1")
	assertAttrEqual(t, log.NodeID("review"), "node_id", "review")
}

func TestStatus(t *testing.T) {
	assertAttrEqual(t, log.Status(api.StatusReady), "status", "READY")
	assertAttrEqual(t, log.Status(api.TraceTerminated), "status", "TERMINATED")
}

func TestCount(t *testing.T) {
	attr := log.Count(3)
	assert.Equal(t, "count", attr.Key)
	assert.Equal(t, int64(3), attr.Value.Int64())
}

func TestError(t *testing.T) {
	assertAttrEqual(t, log.Error(nil), "error", "")
	assertAttrEqual(t, log.Error(errors.New("boom")), "error", "boom")
}

func assertAttrEqual(t *testing.T, attr slog.Attr, key, value string) {
	t.Helper()
	assert.Equal(t, key, attr.Key)
	assert.Equal(t, value, attr.Value.String())
}
