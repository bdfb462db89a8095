package identity

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/common/config"
)

func TestNodeUUIDUsesUUIDNodeNameVerbatim(t *testing.T) {
	id := uuid.NewString()
	cfg := &config.WorkletConfig{NodeName: id}
	require.Equal(t, id, NodeUUID(cfg))
}

func TestNodeUUIDDerivesStableV5(t *testing.T) {
	cfg := &config.WorkletConfig{NodeName: "edge-1", AdvertiseIP: "10.0.0.5", AdvertisePort: 9000}

	a := NodeUUID(cfg)
	b := NodeUUID(cfg)
	require.Equal(t, a, b)

	parsed, err := uuid.Parse(a)
	require.NoError(t, err)
	require.Equal(t, uuid.Version(5), parsed.Version())

	// Any identity component changes the uuid.
	other := &config.WorkletConfig{NodeName: "edge-1", AdvertiseIP: "10.0.0.5", AdvertisePort: 9001}
	require.NotEqual(t, a, NodeUUID(other))
}
