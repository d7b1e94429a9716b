package hls

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jfbridge/jfbridge/internal/jellyfin"
)

// TrackTitle formats a display title for playlist entries.
func TrackTitle(item *jellyfin.Item) string {
	artist := item.AlbumArtist
	if artist == "" && len(item.Artists) > 0 {
		artist = item.Artists[0]
	}
	if artist == "" {
		return item.Name
	}
	return fmt.Sprintf("%s - %s", artist, item.Name)
}

// RewritePlaylist maps every segment line of an on-disk playlist onto the
// client-facing URL space. ffmpeg writes segment references exactly as they
// were passed on the command line, so the raw file points into the server
// filesystem; clients must only ever see URLs. Tag and comment lines pass
// through untouched, segment lines are reduced to their basename and
// handed to segURL.
func RewritePlaylist(data []byte, segURL func(name string) string) string {
	var b strings.Builder
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			b.WriteString(line)
		} else {
			b.WriteString(segURL(filepath.Base(trimmed)))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// BuildAlbumPlaylist renders an extended M3U whose entries point at the
// per-track HLS playlists. trackURL maps a track id to the URL a client
// should fetch. Durations are written as whole seconds; unknown durations
// become -1 as the format allows.
func BuildAlbumPlaylist(tracks []*jellyfin.Item, trackURL func(trackID string) string) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	for _, t := range tracks {
		fmt.Fprintf(&b, "#EXTINF:%d,%s\n", t.RunTimeSeconds(), TrackTitle(t))
		b.WriteString(trackURL(t.ID))
		b.WriteByte('\n')
	}
	return b.String()
}
