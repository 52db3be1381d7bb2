package stage

// Concrete output shapes per stage. The orchestrator stores these as
// opaque JSON; only handlers know the structure, reading the previous
// stage's output as typed input.

type ResearchOutput struct {
	Topic             string   `json:"topic"`
	Facts             []string `json:"facts"`
	Hooks             []string `json:"hooks"`
	TargetAudience    string   `json:"targetAudience"`
	EstimatedDuration int      `json:"estimatedDuration"`
}

type ScriptSection struct {
	Heading   string `json:"heading"`
	Content   string `json:"content"`
	VisualCue string `json:"visualCue"`
	Duration  int    `json:"duration"`
}

type ScriptOutput struct {
	Hook              string          `json:"hook"`
	Body              []ScriptSection `json:"body"`
	CTA               string          `json:"cta"`
	FullScript        string          `json:"fullScript"`
	EstimatedDuration int             `json:"estimatedDuration"`
	SpeakerNotes      []string        `json:"speakerNotes"`
}

type VoiceSegment struct {
	Text     string  `json:"text"`
	AudioURL string  `json:"audioUrl"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Speaker  string  `json:"speaker,omitempty"`
}

type VoiceOutput struct {
	AudioURL string         `json:"audioUrl"`
	Duration float64        `json:"duration"`
	VoiceID  string         `json:"voiceId"`
	Provider string         `json:"provider"`
	Segments []VoiceSegment `json:"segments"`
}

type MusicOutput struct {
	AudioURL string `json:"audioUrl"`
	Duration int    `json:"duration"`
	BPM      int    `json:"bpm"`
	Genre    string `json:"genre"`
	Source   string `json:"source"`
}

type VisualClip struct {
	URL         string  `json:"url"`
	Description string  `json:"description"`
	StartTime   float64 `json:"startTime"`
	Duration    float64 `json:"duration"`
	Source      string  `json:"source"`
}

type VisualOverlay struct {
	Text      string  `json:"text"`
	StartTime float64 `json:"startTime"`
	Duration  float64 `json:"duration"`
	Position  string  `json:"position"`
}

type VisualOutput struct {
	Clips    []VisualClip    `json:"clips"`
	Overlays []VisualOverlay `json:"overlays"`
	Style    string          `json:"style"`
}

type VideoFormat struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	FPS    int `json:"fps"`
}

type EditorOutput struct {
	VideoURL     string      `json:"videoUrl"`
	Duration     float64     `json:"duration"`
	ThumbnailURL string      `json:"thumbnailUrl"`
	Format       VideoFormat `json:"format"`
	RenderTime   float64     `json:"renderTime"`
}

type PlatformPost struct {
	Platform string `json:"platform"`
	URL      string `json:"url"`
	PostID   string `json:"postId"`
}

type PublishOutput struct {
	Platforms   []PlatformPost `json:"platforms"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Tags        []string       `json:"tags"`
	PublishedAt string         `json:"publishedAt"`
}
