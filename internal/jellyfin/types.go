package jellyfin

// SubtitleMethod selects how the upstream delivers a requested subtitle track.
type SubtitleMethod string

const (
	SubtitleEncode   SubtitleMethod = "Encode"
	SubtitleEmbed    SubtitleMethod = "Embed"
	SubtitleExternal SubtitleMethod = "External"
	SubtitleHLS      SubtitleMethod = "Hls"
	SubtitleDrop     SubtitleMethod = "Drop"
)

// ValidSubtitleMethod reports whether m is a known subtitle delivery method.
func ValidSubtitleMethod(m SubtitleMethod) bool {
	switch m {
	case SubtitleEncode, SubtitleEmbed, SubtitleExternal, SubtitleHLS, SubtitleDrop:
		return true
	default:
		return false
	}
}

// StreamOptions are the playback options fixed into a proxy binding.
// A nil index means the corresponding selection was not requested.
type StreamOptions struct {
	AudioStreamIndex    *int           `json:"audioStreamIndex,omitempty"`
	SubtitleStreamIndex *int           `json:"subtitleStreamIndex,omitempty"`
	SubtitleMethod      SubtitleMethod `json:"subtitleMethod,omitempty"`
}

// MediaSource identifies one playable source of an item.
type MediaSource struct {
	ID string `json:"Id"`
}

// MediaStream describes one elementary stream of an item.
type MediaStream struct {
	Index        int    `json:"Index"`
	Type         string `json:"Type"`
	Codec        string `json:"Codec"`
	Language     string `json:"Language"`
	DisplayTitle string `json:"DisplayTitle"`
	IsDefault    bool   `json:"IsDefault"`
}

// Item is the subset of the upstream item model jfbridge consumes.
type Item struct {
	ID           string        `json:"Id"`
	Name         string        `json:"Name"`
	Type         string        `json:"Type"`
	LocationType string        `json:"LocationType"`
	IsMissing    bool          `json:"IsMissing"`
	IndexNumber  int           `json:"IndexNumber"`
	RunTimeTicks int64         `json:"RunTimeTicks"`
	AlbumArtist  string        `json:"AlbumArtist"`
	Artists      []string      `json:"Artists"`
	MediaSources []MediaSource `json:"MediaSources"`
	MediaStreams []MediaStream `json:"MediaStreams"`
}

// IsAudio reports whether the item is an audio track.
func (i *Item) IsAudio() bool {
	return i.Type == "Audio"
}

// RunTimeSeconds converts the upstream tick duration (100ns units) to whole
// seconds, or -1 when unknown.
func (i *Item) RunTimeSeconds() int {
	if i.RunTimeTicks <= 0 {
		return -1
	}
	return int(i.RunTimeTicks / 10_000_000)
}

type itemsEnvelope struct {
	Items []Item `json:"Items"`
}

// Streams groups an item's elementary streams by kind for the API surface.
type Streams struct {
	Audio     []MediaStream `json:"audio"`
	Subtitles []MediaStream `json:"subtitles"`
}
