package hls

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jfbridge/jfbridge/internal/jellyfin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildAlbumPlaylist(t *testing.T) {
	tracks := []*jellyfin.Item{
		{ID: "t1", Name: "Opening", AlbumArtist: "Band", RunTimeTicks: 1810_000_000}, // 181s
		{ID: "t2", Name: "Middle", Artists: []string{"Solo"}, RunTimeTicks: 2400_000_000},
		{ID: "t3", Name: "Untitled"}, // no artist, no duration
	}

	out := BuildAlbumPlaylist(tracks, func(id string) string {
		return fmt.Sprintf("http://bridge/playlist/track/%s/index.m3u8", id)
	})

	want := []string{
		"#EXTM3U",
		"#EXTINF:181,Band - Opening",
		"http://bridge/playlist/track/t1/index.m3u8",
		"#EXTINF:240,Solo - Middle",
		"http://bridge/playlist/track/t2/index.m3u8",
		"#EXTINF:-1,Untitled",
		"http://bridge/playlist/track/t3/index.m3u8",
	}
	got := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Empty(t, cmp.Diff(want, got))
}

func TestRewritePlaylist(t *testing.T) {
	in := strings.Join([]string{
		"#EXTM3U",
		"#EXT-X-TARGETDURATION:10",
		"#EXTINF:10.0,",
		"/var/cache/jfbridge/aa11aa11/seg_00000.ts",
		"#EXTINF:4.2,",
		"seg_00001.ts",
		"",
		"#EXT-X-ENDLIST",
	}, "\n") + "\n"

	out := RewritePlaylist([]byte(in), func(name string) string {
		return "http://bridge/playlist/track/aa11aa11/" + name
	})

	want := []string{
		"#EXTM3U",
		"#EXT-X-TARGETDURATION:10",
		"#EXTINF:10.0,",
		"http://bridge/playlist/track/aa11aa11/seg_00000.ts",
		"#EXTINF:4.2,",
		"http://bridge/playlist/track/aa11aa11/seg_00001.ts",
		"",
		"#EXT-X-ENDLIST",
	}
	got := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Empty(t, cmp.Diff(want, got))
	assert.NotContains(t, out, "/var/cache")
}

func TestTrackTitle(t *testing.T) {
	assert.Equal(t, "Band - Song", TrackTitle(&jellyfin.Item{Name: "Song", AlbumArtist: "Band"}))
	assert.Equal(t, "Solo - Song", TrackTitle(&jellyfin.Item{Name: "Song", Artists: []string{"Solo", "Other"}}))
	assert.Equal(t, "Song", TrackTitle(&jellyfin.Item{Name: "Song"}))
}
