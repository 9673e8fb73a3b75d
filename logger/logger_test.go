package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/maskdotdev/sombra-sub003"
)

func TestLogrusFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetLevel(logrus.InfoLevel)

	log := NewLogrus(l)
	log.Info("root split", "old_root", 3, "new_root", 9)
	log.Warn("dangling", "key")
	log.Error("failed", 42, "answer")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "root split", entry["msg"])
	assert.Equal(t, "info", entry["level"])
	assert.EqualValues(t, 3, entry["old_root"])
	assert.EqualValues(t, 9, entry["new_root"])

	entry = nil
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &entry))
	assert.Equal(t, "warning", entry["level"])
	assert.NotContains(t, entry, "key")

	entry = nil
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &entry))
	assert.Equal(t, "answer", entry["42"])
}

func TestZapFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	log := NewZap(zap.New(core))
	log.Info("created tree", "root", 2, "slot", 0)
	log.Warn("unresolved underflow", "page", 7)
	log.Error("commit failed", "error", "disk")

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "created tree", entries[0].Message)
	assert.Equal(t, map[string]any{"root": int64(2), "slot": int64(0)}, entries[0].ContextMap())
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
}

func TestAdaptersDriveTree(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	store, err := sombra.NewMemoryStore(sombra.WithPageSize(256))
	require.NoError(t, err)
	defer store.Close()

	tree, err := sombra.Open[uint64, uint64](store, sombra.Uint64Codec{}, sombra.Uint64Codec{},
		sombra.WithLogger(NewZap(zap.New(core))))
	require.NoError(t, err)
	require.NoError(t, store.Update(func(w sombra.WriteTx) error {
		for k := uint64(0); k < 50; k++ {
			if err := tree.Put(w, k, k); err != nil {
				return err
			}
		}
		return nil
	}))

	assert.Equal(t, 1, logs.FilterMessage("created tree").Len())
	assert.Positive(t, logs.FilterMessage("root split").Len())
}
