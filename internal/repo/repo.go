package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"reelforge/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const pipelineColumns = `id,topic,COALESCE(description,'') AS description,status,current_stage,template_id,params_json,created_at,updated_at`

func scanPipeline(scan func(dest ...any) error) (domain.Pipeline, error) {
	var p domain.Pipeline
	var currentStage, templateID, paramsJSON sql.NullString
	err := scan(&p.ID, &p.Topic, &p.Description, &p.Status, &currentStage, &templateID, &paramsJSON, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if currentStage.Valid {
		name := domain.StageName(currentStage.String)
		p.CurrentStage = &name
	}
	if templateID.Valid {
		p.TemplateID = &templateID.String
	}
	if paramsJSON.Valid {
		p.ParamsJSON = &paramsJSON.String
	}
	return p, nil
}

func (r Repo) InsertPipelineTx(ctx context.Context, tx *sql.Tx, p domain.Pipeline) error {
	var currentStage any
	if p.CurrentStage != nil {
		currentStage = string(*p.CurrentStage)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO pipelines(id,topic,description,status,current_stage,template_id,params_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Topic, nullable(p.Description), p.Status, currentStage, nullableStringPtr(p.TemplateID), nullableStringPtr(p.ParamsJSON), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetPipeline(ctx context.Context, id string) (domain.Pipeline, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines WHERE id=?`, id)
	return scanPipeline(row.Scan)
}

func (r Repo) GetPipelineTx(ctx context.Context, tx *sql.Tx, id string) (domain.Pipeline, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines WHERE id=?`, id)
	return scanPipeline(row.Scan)
}

type PipelineFilters struct {
	Status string
	Limit  int
}

func (r Repo) ListPipelines(ctx context.Context, f PipelineFilters) ([]domain.Pipeline, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + pipelineColumns + ` FROM pipelines ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdatePipelineTx writes status, current_stage, and updated_at.
func (r Repo) UpdatePipelineTx(ctx context.Context, tx *sql.Tx, p domain.Pipeline) error {
	var currentStage any
	if p.CurrentStage != nil {
		currentStage = string(*p.CurrentStage)
	}
	res, err := tx.ExecContext(ctx, `UPDATE pipelines SET status=?, current_stage=?, updated_at=? WHERE id=?`,
		p.Status, currentStage, p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const stageColumns = `id,pipeline_id,name,status,agent_id,agent_name,output_json,artifacts_json,error,created_at,claimed_at,started_at,completed_at`

func scanStage(scan func(dest ...any) error) (domain.Stage, error) {
	var s domain.Stage
	var agentID, agentName, outputJSON, artifactsJSON, errMsg, claimedAt, startedAt, completedAt sql.NullString
	err := scan(&s.ID, &s.PipelineID, &s.Name, &s.Status, &agentID, &agentName, &outputJSON, &artifactsJSON, &errMsg, &s.CreatedAt, &claimedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if agentID.Valid {
		s.AgentID = &agentID.String
	}
	if agentName.Valid {
		s.AgentName = &agentName.String
	}
	if outputJSON.Valid {
		s.OutputJSON = &outputJSON.String
	}
	if artifactsJSON.Valid {
		s.ArtifactsJSON = &artifactsJSON.String
	}
	if errMsg.Valid {
		s.Error = &errMsg.String
	}
	if claimedAt.Valid {
		s.ClaimedAt = &claimedAt.String
	}
	if startedAt.Valid {
		s.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.String
	}
	return s, nil
}

func (r Repo) InsertStageTx(ctx context.Context, tx *sql.Tx, s domain.Stage, position int) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stages(id,pipeline_id,name,position,status,created_at) VALUES (?,?,?,?,?,?)`,
		s.ID, s.PipelineID, s.Name, position, s.Status, s.CreatedAt)
	return err
}

func (r Repo) GetStage(ctx context.Context, id string) (domain.Stage, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE id=?`, id)
	return scanStage(row.Scan)
}

func (r Repo) GetStageTx(ctx context.Context, tx *sql.Tx, id string) (domain.Stage, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE id=?`, id)
	return scanStage(row.Scan)
}

func (r Repo) GetStageByName(ctx context.Context, pipelineID string, name domain.StageName) (domain.Stage, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE pipeline_id=? AND name=?`, pipelineID, name)
	return scanStage(row.Scan)
}

func (r Repo) GetStageByNameTx(ctx context.Context, tx *sql.Tx, pipelineID string, name domain.StageName) (domain.Stage, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE pipeline_id=? AND name=?`, pipelineID, name)
	return scanStage(row.Scan)
}

func (r Repo) ListStages(ctx context.Context, pipelineID string) ([]domain.Stage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE pipeline_id=? ORDER BY position ASC`, pipelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStages(rows)
}

func (r Repo) ListStagesTx(ctx context.Context, tx *sql.Tx, pipelineID string) ([]domain.Stage, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE pipeline_id=? ORDER BY position ASC`, pipelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStages(rows)
}

func collectStages(rows *sql.Rows) ([]domain.Stage, error) {
	var res []domain.Stage
	for rows.Next() {
		s, err := scanStage(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ClaimStageTx moves a stage PENDING -> CLAIMED only if it is still
// PENDING at the moment of update. The conditional WHERE is the whole
// claim-race story: of two concurrent claimants exactly one sees a row
// affected.
func (r Repo) ClaimStageTx(ctx context.Context, tx *sql.Tx, stageID, agentID, agentName, claimedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE stages SET status=?, agent_id=?, agent_name=?, claimed_at=? WHERE id=? AND status=?`,
		domain.StageClaimed, agentID, agentName, claimedAt, stageID, domain.StagePending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// TransitionStageTx performs a conditional status transition, reporting
// whether the stage was in the expected prior status.
func (r Repo) TransitionStageTx(ctx context.Context, tx *sql.Tx, stageID string, from, to domain.StageStatus, set string, args ...any) (bool, error) {
	query := `UPDATE stages SET status=?`
	if set != "" {
		query += ", " + set
	}
	query += ` WHERE id=? AND status=?`
	full := append([]any{to}, args...)
	full = append(full, stageID, from)
	res, err := tx.ExecContext(ctx, query, full...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) InsertAttributionTx(ctx context.Context, tx *sql.Tx, a domain.Attribution) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO attributions(id,pipeline_id,stage_id,stage_name,agent_id,agent_name,percentage,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.PipelineID, a.StageID, a.StageName, a.AgentID, a.AgentName, a.Percentage, a.CreatedAt)
	return err
}

type AttributionFilters struct {
	PipelineID string
	AgentID    string
	Limit      int
}

func (r Repo) ListAttributions(ctx context.Context, f AttributionFilters) ([]domain.Attribution, error) {
	var clauses []string
	var args []any
	if f.PipelineID != "" {
		clauses = append(clauses, "pipeline_id=?")
		args = append(args, f.PipelineID)
	}
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,pipeline_id,stage_id,stage_name,agent_id,agent_name,percentage,created_at FROM attributions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Attribution
	for rows.Next() {
		var a domain.Attribution
		if err := rows.Scan(&a.ID, &a.PipelineID, &a.StageID, &a.StageName, &a.AgentID, &a.AgentName, &a.Percentage, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// AgentContributions sums attribution percentages per agent, highest first.
func (r Repo) AgentContributions(ctx context.Context) ([]domain.AgentContribution, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT agent_id, agent_name, count(*), COALESCE(SUM(percentage),0)
FROM attributions GROUP BY agent_id, agent_name ORDER BY SUM(percentage) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentContribution
	for rows.Next() {
		var c domain.AgentContribution
		if err := rows.Scan(&c.AgentID, &c.AgentName, &c.StagesCompleted, &c.TotalContribution); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) SumAttribution(ctx context.Context, pipelineID string) (int, error) {
	var sum int
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(percentage),0) FROM attributions WHERE pipeline_id=?`, pipelineID).Scan(&sum)
	return sum, err
}

func (r Repo) LatestEvents(ctx context.Context, limit int, pipelineID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if pipelineID != "" {
		clauses = append(clauses, "pipeline_id=?")
		args = append(args, pipelineID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(pipeline_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending
// order; the webhook dispatcher pages through them.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(pipeline_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func collectEvents(rows *sql.Rows) ([]domain.Event, error) {
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.PipelineID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
