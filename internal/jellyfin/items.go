package jellyfin

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// UserViews returns the authenticated user's top-level libraries.
func (c *Client) UserViews(ctx context.Context) ([]Item, error) {
	var env itemsEnvelope
	u := fmt.Sprintf("%s/Users/%s/Views", c.base, url.PathEscape(c.UserID()))
	if err := c.apiGet(ctx, "user views", u, &env); err != nil {
		return nil, err
	}
	return env.Items, nil
}

// Items returns the children of a folder, with missing and virtual entries
// filtered out (they have no playable source).
func (c *Client) Items(ctx context.Context, parentID string) ([]Item, error) {
	q := url.Values{}
	q.Set("ParentId", parentID)
	q.Set("Fields", "AlbumArtist,Artists")
	u := fmt.Sprintf("%s/Users/%s/Items?%s", c.base, url.PathEscape(c.UserID()), q.Encode())

	var env itemsEnvelope
	if err := c.apiGet(ctx, "items", u, &env); err != nil {
		return nil, err
	}

	items := env.Items[:0]
	for _, it := range env.Items {
		if it.LocationType == "Virtual" || it.IsMissing {
			continue
		}
		items = append(items, it)
	}
	return items, nil
}

// Item returns a single item by id, including its media sources and streams.
func (c *Client) Item(ctx context.Context, itemID string) (*Item, error) {
	q := url.Values{}
	q.Set("Ids", itemID)
	q.Set("Fields", "AlbumArtist,Artists,MediaSources,MediaStreams")
	u := fmt.Sprintf("%s/Users/%s/Items?%s", c.base, url.PathEscape(c.UserID()), q.Encode())

	var env itemsEnvelope
	if err := c.apiGet(ctx, "item", u, &env); err != nil {
		return nil, err
	}
	if len(env.Items) == 0 {
		return nil, ErrNotFound
	}
	return &env.Items[0], nil
}

// MediaStreams returns the item's audio and subtitle streams, grouped.
func (c *Client) MediaStreams(ctx context.Context, itemID string) (*Streams, error) {
	item, err := c.Item(ctx, itemID)
	if err != nil {
		return nil, err
	}

	out := &Streams{Audio: []MediaStream{}, Subtitles: []MediaStream{}}
	for _, s := range item.MediaStreams {
		switch s.Type {
		case "Audio":
			out.Audio = append(out.Audio, s)
		case "Subtitle":
			out.Subtitles = append(out.Subtitles, s)
		}
	}
	return out, nil
}

// FetchImage opens an item image response for passthrough. imageType defaults
// to Primary; index is optional (negative means unset). The caller owns the
// response body.
func (c *Client) FetchImage(ctx context.Context, itemID, imageType string, index int) (*http.Response, error) {
	if imageType == "" {
		imageType = "Primary"
	}
	u := fmt.Sprintf("%s/Items/%s/Images/%s", c.base, url.PathEscape(itemID), url.PathEscape(imageType))
	if index >= 0 {
		u = fmt.Sprintf("%s/%d", u, index)
	}

	res, err := c.do(ctx, "image", func(token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Emby-Token", token)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
