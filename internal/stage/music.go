package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"reelforge/internal/domain"
)

var (
	musicMoods  = []string{"upbeat", "calm", "dramatic", "neutral"}
	musicGenres = []string{"electronic", "acoustic", "ambient", "cinematic", "lofi"}
)

type track struct {
	Name     string
	URL      string
	Duration int
	BPM      int
	Genre    string
	Mood     string
	Source   string
}

// Curated royalty-free tracks. A music API integration would replace this
// list without changing the selection logic.
var freeTracks = []track{
	{Name: "Ambient Technology", URL: "https://cdn.pixabay.com/audio/2024/ambient-technology.mp3", Duration: 120, BPM: 90, Genre: "ambient", Mood: "neutral", Source: "pixabay"},
	{Name: "Upbeat Corporate", URL: "https://cdn.pixabay.com/audio/2024/upbeat-corporate.mp3", Duration: 90, BPM: 120, Genre: "electronic", Mood: "upbeat", Source: "pixabay"},
	{Name: "Calm Piano", URL: "https://cdn.pixabay.com/audio/2024/calm-piano.mp3", Duration: 180, BPM: 60, Genre: "acoustic", Mood: "calm", Source: "pixabay"},
	{Name: "Dramatic Cinematic", URL: "https://cdn.pixabay.com/audio/2024/dramatic-cinematic.mp3", Duration: 150, BPM: 100, Genre: "cinematic", Mood: "dramatic", Source: "pixabay"},
	{Name: "Lofi Study", URL: "https://cdn.pixabay.com/audio/2024/lofi-study.mp3", Duration: 240, BPM: 75, Genre: "lofi", Mood: "calm", Source: "pixabay"},
}

// Music picks a background track matching the script's mood and the
// requested genre and duration.
type Music struct{}

func (Music) Name() domain.StageName { return domain.StageMusic }

func (Music) Validate(input map[string]any) ValidationResult {
	var errs []string
	if d, ok := getNumber(input, "duration"); ok && (d < 10 || d > 600) {
		errs = append(errs, "duration: must be between 10 and 600 seconds")
	}
	if m := getString(input, "mood"); m != "" && !oneOf(m, musicMoods) {
		errs = append(errs, fmt.Sprintf("mood: must be one of %s", strings.Join(musicMoods, ", ")))
	}
	if g := getString(input, "genre"); g != "" && !oneOf(g, musicGenres) {
		errs = append(errs, fmt.Sprintf("genre: must be one of %s", strings.Join(musicGenres, ", ")))
	}
	if len(errs) > 0 {
		return invalid(errs...)
	}
	return valid()
}

func (Music) Execute(ctx context.Context, sc Context) (Result, error) {
	duration := 60
	var mood string
	if raw := outputFor(sc, domain.StageVoice); len(raw) > 0 {
		var voice VoiceOutput
		if err := json.Unmarshal(raw, &voice); err == nil && voice.Duration > 0 {
			duration = int(voice.Duration)
			mood = inferMoodFromSegments(voice.Segments)
		}
	}
	if d, ok := getNumber(sc.Input, "duration"); ok {
		duration = int(d)
	}
	if m := getString(sc.Input, "mood"); m != "" {
		mood = m
	}
	if mood == "" {
		mood = "neutral"
	}
	genre := getString(sc.Input, "genre")
	if genre == "" {
		genre = "ambient"
	}

	t := selectTrack(duration, mood, genre)
	out := MusicOutput{
		AudioURL: t.URL,
		Duration: t.Duration,
		BPM:      t.BPM,
		Genre:    t.Genre,
		Source:   t.Source,
	}
	output, err := marshalOutput(out)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Output:    output,
		Artifacts: []Artifact{{URL: out.AudioURL, Kind: "audio"}},
		Metadata: map[string]any{
			"requestedMood":  mood,
			"requestedGenre": genre,
			"matchedTrack":   t.Name,
		},
	}, nil
}

func inferMoodFromSegments(segments []VoiceSegment) string {
	var b strings.Builder
	for _, s := range segments {
		b.WriteString(strings.ToLower(s.Text))
		b.WriteByte(' ')
	}
	return inferMood(b.String())
}

// inferMood does keyword-based mood detection over narration text.
func inferMood(text string) string {
	score := func(words []string) int {
		n := 0
		for _, w := range words {
			if strings.Contains(text, w) {
				n++
			}
		}
		return n
	}
	upbeat := score([]string{"exciting", "amazing", "incredible", "awesome", "revolutionary"})
	dramatic := score([]string{"danger", "warning", "critical", "urgent", "crisis"})
	calm := score([]string{"simple", "easy", "relaxed", "peaceful", "gentle"})

	max := upbeat
	if dramatic > max {
		max = dramatic
	}
	if calm > max {
		max = calm
	}
	switch {
	case max == 0:
		return "neutral"
	case upbeat == max:
		return "upbeat"
	case dramatic == max:
		return "dramatic"
	default:
		return "calm"
	}
}

// selectTrack prefers a genre match, falls back to mood, then picks the
// track whose length is closest to the requested duration.
func selectTrack(duration int, mood, genre string) track {
	var candidates []track
	for _, t := range freeTracks {
		if t.Genre == genre {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		for _, t := range freeTracks {
			if t.Mood == mood {
				candidates = append(candidates, t)
			}
		}
	}
	if len(candidates) == 0 {
		candidates = append(candidates, freeTracks...)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		di := candidates[i].Duration - duration
		if di < 0 {
			di = -di
		}
		dj := candidates[j].Duration - duration
		if dj < 0 {
			dj = -dj
		}
		return di < dj
	})
	return candidates[0]
}
