package audit

import (
	"context"
	"testing"

	"github.com/soundledger/permgate/pkg/contextkeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecord(t *testing.T) {
	t.Run("system actor", func(t *testing.T) {
		record := NewRecord(context.Background(), "cache.flushed", "cache")
		assert.NotEmpty(t, record.ID)
		assert.False(t, record.Timestamp.IsZero())
		assert.Equal(t, SystemActor, record.Actor)
		assert.Equal(t, StatusSuccess, record.Status)
		assert.Empty(t, record.RequestID)
		assert.NotNil(t, record.Metadata)
		assert.NotContains(t, record.Metadata, "source")
	})

	t.Run("actor from context", func(t *testing.T) {
		ctx := contextkeys.WithUserID(context.Background(), "admin-1")
		ctx = contextkeys.WithRequestID(ctx, "req-9")
		ctx = contextkeys.WithSource(ctx, contextkeys.SourceAPI)

		record := NewRecord(ctx, "override.set", "user:U1")
		assert.Equal(t, "admin-1", record.Actor)
		assert.Equal(t, "req-9", record.RequestID)
		assert.Equal(t, "api", record.Metadata["source"])
	})

	t.Run("ids are unique", func(t *testing.T) {
		a := NewRecord(context.Background(), "a", "b")
		b := NewRecord(context.Background(), "a", "b")
		assert.NotEqual(t, a.ID, b.ID)
	})
}

func TestRecordJSON(t *testing.T) {
	record := NewRecord(context.Background(), "role.deleted", "role:4")
	record.Metadata["name"] = "label_manager"

	data, err := record.ToJSON()
	require.NoError(t, err)

	decoded, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, record.ID, decoded.ID)
	assert.Equal(t, "label_manager", decoded.Metadata["name"])
	assert.True(t, record.Timestamp.Equal(decoded.Timestamp))
}
