package jellyfin

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"

	"github.com/jfbridge/jfbridge/internal/log"
)

var apiKeyPattern = regexp.MustCompile(`api_key=[^&\s]+`)

// RedactURL masks the access token in a URL string for safe logging.
func RedactURL(raw string) string {
	return apiKeyPattern.ReplaceAllString(raw, "api_key=REDACTED")
}

// streamURL builds the upstream stream request URL for an item. The session
// id forces the upstream to treat every relay as an independent playback
// session, so opening the same content twice never collides.
func (c *Client) streamURL(item *Item, sessionID string, opts *StreamOptions) string {
	var u *url.URL
	q := url.Values{}
	q.Set("api_key", c.Token())

	if len(item.MediaSources) > 0 && item.MediaSources[0].ID != "" {
		q.Set("MediaSourceId", item.MediaSources[0].ID)
	}

	if item.IsAudio() {
		u, _ = url.Parse(fmt.Sprintf("%s/Audio/%s/stream", c.base, url.PathEscape(item.ID)))
		q.Set("static", "true")
		q.Set("container", "mp3")
		q.Set("audioCodec", "mp3")
	} else {
		u, _ = url.Parse(fmt.Sprintf("%s/Videos/%s/stream", c.base, url.PathEscape(item.ID)))
		q.Set("container", "mp4")
		q.Set("videoCodec", "h264")
		q.Set("audioCodec", "aac")
		q.Set("audioBitrate", c.encoding.AudioBitrate)
		q.Set("videoBitrate", c.encoding.VideoBitrate)
		q.Set("maxAudioChannels", c.encoding.MaxAudioChannels)
		q.Set("maxHeight", c.encoding.MaxHeight)
		q.Set("maxWidth", c.encoding.MaxWidth)

		if opts != nil && opts.AudioStreamIndex != nil {
			q.Set("AudioStreamIndex", fmt.Sprintf("%d", *opts.AudioStreamIndex))
		}
		if opts != nil && opts.SubtitleStreamIndex != nil {
			method := opts.SubtitleMethod
			if method == "" {
				method = SubtitleEncode
			}
			q.Set("SubtitleMethod", string(method))
			q.Set("SubtitleStreamIndex", fmt.Sprintf("%d", *opts.SubtitleStreamIndex))
		}
	}

	q.Set("PlaySessionId", sessionID)
	q.Set("DeviceId", fmt.Sprintf("%s-%s", AppName, sessionID))

	u.RawQuery = q.Encode()
	return u.String()
}

// OpenStream opens an authenticated upstream byte stream for the item.
// The caller owns the response body. No client-side timeout is applied:
// upstream transcoding pre-rolls can take minutes and must not be aborted.
func (c *Client) OpenStream(ctx context.Context, itemID, sessionID string, opts *StreamOptions) (*http.Response, error) {
	item, err := c.Item(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("resolve stream item: %w", err)
	}

	target := c.streamURL(item, sessionID, opts)
	c.logger.Info().
		Str(log.FieldEvent, "upstream.stream").
		Str(log.FieldItemID, item.ID).
		Str(log.FieldMediaType, item.Type).
		Str(log.FieldTarget, RedactURL(target)).
		Msg("requesting upstream stream")

	res, err := c.doWith(ctx, c.streamHTTP, "stream", func(token string) (*http.Request, error) {
		// The token travels in the query string for stream endpoints; it is
		// re-read per attempt because the retry may have replaced it.
		u := c.streamURL(item, sessionID, opts)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
