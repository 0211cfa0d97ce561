package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/truongvando/ezstream-sub005/pkg/types"
)

func TestPublishURL(t *testing.T) {
	tests := []struct {
		url, key, want string
	}{
		{"rtmp://live.example.com/app", "abc", "rtmp://live.example.com/app/abc"},
		{"rtmp://live.example.com/app/", "abc", "rtmp://live.example.com/app/abc"},
		{"rtmp://live.example.com/app/abc", "", "rtmp://live.example.com/app/abc"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PublishURL(types.StreamSpec{RTMPURL: tt.url, StreamKey: tt.key}))
	}
}

func TestArgsSingleSource(t *testing.T) {
	args := Args(types.StreamSpec{
		Sources:   []string{"https://cdn.example.com/a.mp4"},
		RTMPURL:   "rtmp://live.example.com/app",
		StreamKey: "key",
		Loop:      true,
	}, "/tmp/playlist.txt")

	assert.Contains(t, args, "-re")
	assert.Contains(t, args, "https://cdn.example.com/a.mp4")
	assert.Contains(t, args, "rtmp://live.example.com/app/key")
	assert.Contains(t, args, "-stream_loop")
	assert.Contains(t, args, "flv")
	assert.NotContains(t, args, "/tmp/playlist.txt")
}

func TestArgsPlaylist(t *testing.T) {
	args := Args(types.StreamSpec{
		Sources: []string{"https://cdn.example.com/a.mp4", "https://cdn.example.com/b.mp4"},
		RTMPURL: "rtmp://live.example.com/app",
	}, "/tmp/playlist.txt")

	assert.Contains(t, args, "/tmp/playlist.txt")
	assert.Contains(t, args, "concat")
	assert.NotContains(t, args, "-stream_loop")
}

func TestPlaylist(t *testing.T) {
	got := Playlist([]string{"https://cdn.example.com/a.mp4", "/srv/it's.mp4"})
	assert.Equal(t, "ffconcat version 1.0\nfile 'https://cdn.example.com/a.mp4'\nfile '/srv/it'\\''s.mp4'\n", got)
}
