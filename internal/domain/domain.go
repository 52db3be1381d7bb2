package domain

// StageName identifies one of the seven fixed pipeline stages.
type StageName string

const (
	StageResearch StageName = "RESEARCH"
	StageScript   StageName = "SCRIPT"
	StageVoice    StageName = "VOICE"
	StageMusic    StageName = "MUSIC"
	StageVisual   StageName = "VISUAL"
	StageEditor   StageName = "EDITOR"
	StagePublish  StageName = "PUBLISH"
)

// StageOrder is the authoritative execution order. A stage may only leave
// PENDING once the stage before it here is COMPLETE or SKIPPED.
var StageOrder = []StageName{
	StageResearch,
	StageScript,
	StageVoice,
	StageMusic,
	StageVisual,
	StageEditor,
	StagePublish,
}

// StageWeights assigns each stage its share of pipeline credit. Values sum
// to 100. SCRIPT carries the most weight as the most creative step, PUBLISH
// the least as mostly mechanical.
var StageWeights = map[StageName]int{
	StageResearch: 15,
	StageScript:   25,
	StageVoice:    15,
	StageMusic:    10,
	StageVisual:   15,
	StageEditor:   15,
	StagePublish:  5,
}

// StageIndex returns the position of name in StageOrder, or -1 if name is
// not a known stage.
func StageIndex(name StageName) int {
	for i, n := range StageOrder {
		if n == name {
			return i
		}
	}
	return -1
}

// NextStageName returns the stage following name in StageOrder. The second
// return is false for PUBLISH and for unrecognized names.
func NextStageName(name StageName) (StageName, bool) {
	idx := StageIndex(name)
	if idx < 0 || idx == len(StageOrder)-1 {
		return "", false
	}
	return StageOrder[idx+1], true
}

// IsStageName reports whether s is one of the seven stage names.
func IsStageName(s string) bool {
	return StageIndex(StageName(s)) >= 0
}

type PipelineStatus string

const (
	PipelineDraft    PipelineStatus = "DRAFT"
	PipelineRunning  PipelineStatus = "RUNNING"
	PipelineComplete PipelineStatus = "COMPLETE"
	PipelineFailed   PipelineStatus = "FAILED"
)

type StageStatus string

const (
	StagePending      StageStatus = "PENDING"
	StageClaimed      StageStatus = "CLAIMED"
	StageRunningState StageStatus = "RUNNING"
	StageComplete     StageStatus = "COMPLETE"
	StageFailed       StageStatus = "FAILED"
	StageSkipped      StageStatus = "SKIPPED"
)

// Terminal reports whether no further agent action is possible on a stage.
func (s StageStatus) Terminal() bool {
	return s == StageComplete || s == StageFailed || s == StageSkipped
}

// Finished reports whether a stage satisfies the predecessor requirement
// for the stage after it.
func (s StageStatus) Finished() bool {
	return s == StageComplete || s == StageSkipped
}

type Pipeline struct {
	ID           string         `json:"id"`
	Topic        string         `json:"topic"`
	Description  string         `json:"description,omitempty"`
	Status       PipelineStatus `json:"status" enum:"DRAFT,RUNNING,COMPLETE,FAILED"`
	CurrentStage *StageName     `json:"current_stage,omitempty"`
	TemplateID   *string        `json:"template_id,omitempty"`
	ParamsJSON   *string        `json:"params_json,omitempty"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
	UpdatedAt    string         `json:"updated_at" format:"date-time"`
	Stages       []Stage        `json:"stages,omitempty"`
}

type Stage struct {
	ID            string      `json:"id"`
	PipelineID    string      `json:"pipeline_id"`
	Name          StageName   `json:"name" enum:"RESEARCH,SCRIPT,VOICE,MUSIC,VISUAL,EDITOR,PUBLISH"`
	Status        StageStatus `json:"status" enum:"PENDING,CLAIMED,RUNNING,COMPLETE,FAILED,SKIPPED"`
	AgentID       *string     `json:"agent_id,omitempty"`
	AgentName     *string     `json:"agent_name,omitempty"`
	OutputJSON    *string     `json:"output_json,omitempty"`
	ArtifactsJSON *string     `json:"artifacts_json,omitempty"`
	Error         *string     `json:"error,omitempty"`
	CreatedAt     string      `json:"created_at" format:"date-time"`
	ClaimedAt     *string     `json:"claimed_at,omitempty" format:"date-time"`
	StartedAt     *string     `json:"started_at,omitempty" format:"date-time"`
	CompletedAt   *string     `json:"completed_at,omitempty" format:"date-time"`
}

// Attribution is one append-only credit record per completed stage.
type Attribution struct {
	ID         string    `json:"id"`
	PipelineID string    `json:"pipeline_id"`
	StageID    string    `json:"stage_id"`
	StageName  StageName `json:"stage_name"`
	AgentID    string    `json:"agent_id"`
	AgentName  string    `json:"agent_name"`
	Percentage int       `json:"percentage"`
	CreatedAt  string    `json:"created_at" format:"date-time"`
}

// AgentContribution aggregates attribution records for one agent.
type AgentContribution struct {
	AgentID           string `json:"agent_id"`
	AgentName         string `json:"agent_name"`
	StagesCompleted   int    `json:"stages_completed"`
	TotalContribution int    `json:"total_contribution"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	PipelineID string `json:"pipeline_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
