package feed

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vecengine/internal/config"
	"vecengine/internal/wal"
)

func TestDisabledPublisherIsNoop(t *testing.T) {
	p, err := New(config.FeedConfig{})
	require.NoError(t, err)
	defer p.Close()

	err = p.Publish("c", 1, &wal.Operation{Type: wal.OpInsertVector, Collection: "c", VectorID: uuid.New()})
	assert.NoError(t, err)
}

func TestCloseOnDisabledPublisherIsSafe(t *testing.T) {
	p, err := New(config.FeedConfig{})
	require.NoError(t, err)
	p.Close()
	p.Close()
}
