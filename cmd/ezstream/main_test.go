package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/truongvando/ezstream-sub005/pkg/storage"
	"github.com/truongvando/ezstream-sub005/pkg/types"
)

const validManifest = `
nodes:
  - id: 1
    name: vps-1
    address: 10.0.0.1
    credentials:
      user: root
      password: secret
    capabilities: [hd]
streams:
  - id: 10
    title: morning show
    rtmp_url: rtmp://live.example.com/app
    stream_key: abc
    loop: true
    sources:
      - id: 1
        url: https://cdn.example.com/a.mp4
        ready: true
`

func writeManifest(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadManifest(t *testing.T) {
	m, err := loadManifest(writeManifest(t, validManifest))
	require.NoError(t, err)

	require.Len(t, m.Nodes, 1)
	assert.Equal(t, int64(1), m.Nodes[0].ID)
	assert.Equal(t, "10.0.0.1", m.Nodes[0].Address)
	assert.Equal(t, "secret", m.Nodes[0].Credentials.Password)
	assert.Equal(t, []string{"hd"}, m.Nodes[0].Capabilities)

	require.Len(t, m.Streams, 1)
	assert.Equal(t, int64(10), m.Streams[0].ID)
	assert.True(t, m.Streams[0].Loop)
	assert.True(t, m.Streams[0].ContentReady())
}

func TestLoadManifestRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad yaml", "nodes: [\n"},
		{"node without address", "nodes:\n  - id: 1\n    name: vps\n"},
		{"node without id", "nodes:\n  - name: vps\n    address: 10.0.0.1\n"},
		{"duplicate node", "nodes:\n  - {id: 1, name: a, address: 10.0.0.1}\n  - {id: 1, name: b, address: 10.0.0.2}\n"},
		{"stream without sources", "streams:\n  - {id: 1, title: t, rtmp_url: 'rtmp://h/app'}\n"},
		{"stream bad url", "streams:\n  - {id: 1, title: t, rtmp_url: nope, sources: [{url: x}]}\n"},
		{"stream without id", "streams:\n  - {title: t, rtmp_url: 'rtmp://h/app', sources: [{url: x}]}\n"},
		{"window ends before start", "streams:\n  - {id: 1, title: t, rtmp_url: 'rtmp://h/app', sources: [{url: x}], scheduled_start: 2026-01-01T10:00:00Z, scheduled_end: 2026-01-01T09:00:00Z}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadManifest(writeManifest(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadManifestReadsPrivateKey(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, []byte("PEM"), 0600))

	m, err := loadManifest(writeManifest(t,
		"nodes:\n  - {id: 2, name: vps, address: host.example.com, private_key_file: "+keyPath+"}\n"))
	require.NoError(t, err)
	assert.Equal(t, "PEM", m.Nodes[0].Credentials.PrivateKey)
}

func TestMigrateStore(t *testing.T) {
	ctx := context.Background()
	src, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer src.Close()
	dst, err := storage.NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	defer dst.Close()

	require.NoError(t, src.CreateNode(ctx, &types.Node{ID: 3, Name: "vps-3", Status: types.NodeStatusActive}))
	require.NoError(t, src.CreateStream(ctx, &types.Stream{
		ID:             7,
		Title:          "show",
		Status:         types.StreamStatusStreaming,
		AssignedNodeID: types.Int64(3),
	}))

	nodes, streams, err := migrateStore(ctx, src, dst, true, false)
	require.NoError(t, err)
	assert.Equal(t, 1, nodes)
	assert.Equal(t, 1, streams)
	list, err := dst.ListStreams(ctx)
	require.NoError(t, err)
	assert.Empty(t, list, "dry run must not write")

	_, _, err = migrateStore(ctx, src, dst, false, false)
	require.NoError(t, err)
	st, err := dst.GetStream(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, types.StreamStatusStreaming, st.Status)
	assert.True(t, st.AssignedTo(3))

	_, _, err = migrateStore(ctx, src, dst, false, false)
	assert.Error(t, err, "non-empty target needs force")
	_, _, err = migrateStore(ctx, src, dst, false, true)
	assert.NoError(t, err)
}
