package contextkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetRequestID(ctx))
	assert.Empty(t, GetUserID(ctx))
	assert.Empty(t, GetSource(ctx))
	assert.Nil(t, Logger(ctx))

	ctx = WithUserID(WithRequestID(ctx, "req-1"), "artist-1")
	ctx = WithSource(ctx, SourceCLI)
	assert.Equal(t, "req-1", GetRequestID(ctx))
	assert.Equal(t, "artist-1", GetUserID(ctx))
	assert.Equal(t, "permctl", GetSource(ctx))

	ctx = WithLogger(ctx, "logger")
	assert.Equal(t, "logger", Logger(ctx))
}

func TestContextKeys_DoNotCollide(t *testing.T) {
	ctx := WithUserID(context.Background(), "artist-1")
	ctx = context.WithValue(ctx, "user_id", "spoofed")

	assert.Equal(t, "artist-1", GetUserID(ctx))
	assert.Empty(t, GetRequestID(ctx))
}
