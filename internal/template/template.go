// Package template holds preset video templates. A template bundles
// pacing, voice, visual, and audio configuration; the orchestrator threads
// it into stage inputs at pipeline creation and otherwise treats it as
// opaque.
package template

import "fmt"

type Pacing struct {
	IntroDuration  float64 `json:"introDuration" yaml:"introDuration"`
	SectionGap     float64 `json:"sectionGap" yaml:"sectionGap"`
	OutroDuration  float64 `json:"outroDuration" yaml:"outroDuration"`
	WordsPerMinute int     `json:"wordsPerMinute" yaml:"wordsPerMinute"`
}

type Structure struct {
	Format  string `json:"format" yaml:"format"`
	Pacing  Pacing `json:"pacing" yaml:"pacing"`
	Hook    string `json:"hookStyle,omitempty" yaml:"hookStyle,omitempty"`
	CTA     bool   `json:"ctaEnabled" yaml:"ctaEnabled"`
	CTAText string `json:"ctaText,omitempty" yaml:"ctaText,omitempty"`
}

type Character struct {
	Name        string `json:"name" yaml:"name"`
	Personality string `json:"personality,omitempty" yaml:"personality,omitempty"`
	VoiceID     string `json:"voiceId,omitempty" yaml:"voiceId,omitempty"`
}

type Voice struct {
	Narrator   string      `json:"narrator,omitempty" yaml:"narrator,omitempty"`
	Speed      float64     `json:"speed,omitempty" yaml:"speed,omitempty"`
	Characters []Character `json:"characters,omitempty" yaml:"characters,omitempty"`
}

type Visual struct {
	Style        string `json:"style" yaml:"style"`
	CaptionStyle string `json:"captionStyle,omitempty" yaml:"captionStyle,omitempty"`
}

type Audio struct {
	Mood  string `json:"mood" yaml:"mood"`
	Genre string `json:"genre" yaml:"genre"`
}

type Template struct {
	ID             string    `json:"id" yaml:"id"`
	Name           string    `json:"name" yaml:"name"`
	Description    string    `json:"description" yaml:"description"`
	Category       string    `json:"category" yaml:"category"`
	Structure      Structure `json:"structure" yaml:"structure"`
	Voice          Voice     `json:"voice" yaml:"voice"`
	Visual         Visual    `json:"visual" yaml:"visual"`
	Audio          Audio     `json:"audio" yaml:"audio"`
	TargetDuration int       `json:"targetDuration" yaml:"targetDuration"`
	Platforms      []string  `json:"platforms" yaml:"platforms"`
}

var presets = []Template{
	{
		ID:          "explainer-pro",
		Name:        "Professional Explainer",
		Description: "Clean educational content with b-roll footage",
		Category:    "educational",
		Structure: Structure{
			Format:  "monologue",
			Pacing:  Pacing{IntroDuration: 2, SectionGap: 0.8, OutroDuration: 3, WordsPerMinute: 150},
			Hook:    "question",
			CTA:     true,
			CTAText: "Follow for more!",
		},
		Voice:          Voice{Narrator: "narrator-professional"},
		Visual:         Visual{Style: "stock", CaptionStyle: "clean"},
		Audio:          Audio{Mood: "neutral", Genre: "ambient"},
		TargetDuration: 60,
		Platforms:      []string{"youtube", "tiktok", "instagram"},
	},
	{
		ID:          "tech-listicle",
		Name:        "Tech Listicle",
		Description: "Fast-paced numbered tech tips",
		Category:    "educational",
		Structure: Structure{
			Format:  "listicle",
			Pacing:  Pacing{IntroDuration: 2, SectionGap: 0.5, OutroDuration: 3, WordsPerMinute: 160},
			Hook:    "statistic",
			CTA:     true,
			CTAText: "More tech tips in bio!",
		},
		Voice:          Voice{Narrator: "narrator-energetic", Speed: 1.1},
		Visual:         Visual{Style: "stock", CaptionStyle: "bold"},
		Audio:          Audio{Mood: "upbeat", Genre: "electronic"},
		TargetDuration: 45,
		Platforms:      []string{"tiktok", "youtube"},
	},
	{
		ID:          "story-dialog",
		Name:        "Character Dialog",
		Description: "Two characters discuss the topic conversationally",
		Category:    "entertainment",
		Structure: Structure{
			Format: "dialog",
			Pacing: Pacing{IntroDuration: 1, SectionGap: 0.6, OutroDuration: 2, WordsPerMinute: 165},
			CTA:    true,
		},
		Voice: Voice{Characters: []Character{
			{Name: "Maya", Personality: "curious", VoiceID: "voice-maya"},
			{Name: "Theo", Personality: "knowing", VoiceID: "voice-theo"},
		}},
		Visual:         Visual{Style: "animated", CaptionStyle: "speaker-colored"},
		Audio:          Audio{Mood: "calm", Genre: "lofi"},
		TargetDuration: 60,
		Platforms:      []string{"tiktok", "instagram"},
	},
	{
		ID:          "news-flash",
		Name:        "News Flash",
		Description: "Urgent single-story news brief",
		Category:    "news",
		Structure: Structure{
			Format:  "monologue",
			Pacing:  Pacing{IntroDuration: 1, SectionGap: 0.4, OutroDuration: 2, WordsPerMinute: 170},
			Hook:    "statistic",
			CTA:     true,
			CTAText: "Share this information!",
		},
		Voice:          Voice{Narrator: "narrator-news"},
		Visual:         Visual{Style: "minimal", CaptionStyle: "ticker"},
		Audio:          Audio{Mood: "dramatic", Genre: "cinematic"},
		TargetDuration: 30,
		Platforms:      []string{"youtube", "twitter"},
	},
}

// Presets returns the built-in templates in a stable order.
func Presets() []Template {
	out := make([]Template, len(presets))
	copy(out, presets)
	return out
}

// Get looks up a template by id.
func Get(id string) (Template, error) {
	for _, t := range presets {
		if t.ID == id {
			return t, nil
		}
	}
	return Template{}, fmt.Errorf("unknown template %q", id)
}

// StageInputs expands a template into the per-stage input maps merged into
// each stage's input when a pipeline is created from the template. The
// shapes match what the stage handlers read.
func (t Template) StageInputs(topic string) map[string]map[string]any {
	characters := make([]any, 0, len(t.Voice.Characters))
	for _, c := range t.Voice.Characters {
		m := map[string]any{"name": c.Name}
		if c.Personality != "" {
			m["personality"] = c.Personality
		}
		characters = append(characters, m)
	}

	inputs := map[string]map[string]any{
		"RESEARCH": {
			"topic":          topic,
			"targetDuration": float64(t.TargetDuration),
		},
		"SCRIPT": {
			"duration": float64(t.TargetDuration),
			"structure": map[string]any{
				"format": t.Structure.Format,
				"pacing": map[string]any{
					"introDuration":  t.Structure.Pacing.IntroDuration,
					"sectionGap":     t.Structure.Pacing.SectionGap,
					"outroDuration":  t.Structure.Pacing.OutroDuration,
					"wordsPerMinute": float64(t.Structure.Pacing.WordsPerMinute),
				},
				"cta": map[string]any{
					"enabled": t.Structure.CTA,
					"text":    t.Structure.CTAText,
				},
			},
		},
		"VOICE": {},
		"MUSIC": {
			"mood":  t.Audio.Mood,
			"genre": t.Audio.Genre,
		},
		"VISUAL": {
			"style": t.Visual.Style,
		},
		"EDITOR":  {},
		"PUBLISH": {},
	}
	if t.Structure.Hook != "" {
		inputs["SCRIPT"]["structure"].(map[string]any)["hooks"] = map[string]any{"style": t.Structure.Hook}
	}
	if len(characters) > 0 {
		inputs["SCRIPT"]["voice"] = map[string]any{"characters": characters}
	}
	if t.Voice.Narrator != "" {
		inputs["VOICE"]["voiceId"] = t.Voice.Narrator
	}
	if t.Voice.Speed > 0 {
		inputs["VOICE"]["speed"] = t.Voice.Speed
	}
	if len(t.Platforms) > 0 {
		platforms := make([]any, 0, len(t.Platforms))
		for _, p := range t.Platforms {
			platforms = append(platforms, p)
		}
		inputs["PUBLISH"]["platforms"] = platforms
	}
	return inputs
}
