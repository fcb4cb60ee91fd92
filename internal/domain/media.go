package domain

// MediaKind distinguishes the two generated artifacts of a card.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaAudio MediaKind = "audio"
)

func (k MediaKind) IsValid() bool {
	return k == MediaImage || k == MediaAudio
}

// Extension is the file extension used in content-addressed keys.
func (k MediaKind) Extension() string {
	if k == MediaAudio {
		return "mp3"
	}
	return "png"
}

// MediaRef points a card at a stored artifact.
type MediaRef struct {
	Key     string    `json:"key,omitempty"`
	Kind    MediaKind `json:"kind"`
	Cached  bool      `json:"cached,omitempty"`
	Skipped bool      `json:"skipped,omitempty"`
}

// Resolved reports whether the reference settled, either with a key or as
// an explicit skip.
func (r MediaRef) Resolved() bool {
	return r.Key != "" || r.Skipped
}

// Artifact is generated media as returned by a provider.
type Artifact struct {
	Data        []byte
	ContentType string
}
