package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fleetradar/internal/domain"
)

// Repo is the persistence collaborator: CRUD for processes keyed by id,
// append/query for insights keyed by process id and ordered by timestamp.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const tsFormat = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(tsFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(tsFormat, s)
}

func optionalTimeStr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func (r Repo) SaveProcess(ctx context.Context, p domain.Process) error {
	stagesJSON, err := json.Marshal(p.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	var riskScore any
	if p.RiskScore != nil {
		riskScore = *p.RiskScore
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO processes(id,title,type,vehicle_id,current_stage,status,stages_json,predicted_completion_time,risk_score,created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			title=excluded.title,
			type=excluded.type,
			vehicle_id=excluded.vehicle_id,
			current_stage=excluded.current_stage,
			status=excluded.status,
			stages_json=excluded.stages_json,
			predicted_completion_time=excluded.predicted_completion_time,
			risk_score=excluded.risk_score`,
		p.ID, p.Title, p.Type, p.VehicleID, string(p.CurrentStage), string(p.Status), string(stagesJSON),
		optionalTimeStr(p.PredictedCompletionTime), riskScore, formatTime(p.CreatedAt))
	return err
}

const processColumns = `id,title,type,vehicle_id,current_stage,status,stages_json,predicted_completion_time,risk_score,created_at`

type processScanner interface {
	Scan(dest ...any) error
}

func scanProcess(row processScanner) (domain.Process, error) {
	var (
		p          domain.Process
		stage      string
		status     string
		stagesJSON string
		predicted  sql.NullString
		risk       sql.NullFloat64
		createdAt  string
	)
	err := row.Scan(&p.ID, &p.Title, &p.Type, &p.VehicleID, &stage, &status, &stagesJSON, &predicted, &risk, &createdAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.CurrentStage = domain.Stage(stage)
	p.Status = domain.ProcessStatus(status)
	if err := json.Unmarshal([]byte(stagesJSON), &p.Stages); err != nil {
		return p, fmt.Errorf("unmarshal stages: %w", err)
	}
	if predicted.Valid {
		t, err := parseTime(predicted.String)
		if err != nil {
			return p, fmt.Errorf("parse predicted_completion_time: %w", err)
		}
		p.PredictedCompletionTime = &t
	}
	if risk.Valid {
		v := risk.Float64
		p.RiskScore = &v
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return p, fmt.Errorf("parse created_at: %w", err)
	}
	return p, nil
}

func (r Repo) GetProcess(ctx context.Context, id string) (domain.Process, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+processColumns+` FROM processes WHERE id=?`, id)
	return scanProcess(row)
}

// ProcessFilters narrow ListProcesses. Limit/Offset implement the paginated
// reporting endpoint; zero Limit means no cap.
type ProcessFilters struct {
	Status domain.ProcessStatus
	Limit  int
	Offset int
}

func (r Repo) ListProcesses(ctx context.Context, f ProcessFilters) ([]domain.Process, error) {
	query := `SELECT ` + processColumns + ` FROM processes`
	var args []any
	if f.Status != "" {
		query += ` WHERE status=?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Process
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) CountProcesses(ctx context.Context, status domain.ProcessStatus) (int, error) {
	query := `SELECT COUNT(*) FROM processes`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, string(status))
	}
	var count int
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r Repo) InsertInsight(ctx context.Context, in domain.Insight) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO insights(id,type,confidence,message,process_id,ts) VALUES (?,?,?,?,?,?)`,
		in.ID, string(in.Type), in.Confidence, in.Message, in.ProcessID, formatTime(in.Timestamp))
	return err
}

// InsightFilters narrow ListInsights. Ascending flips the timestamp order;
// the default is newest first.
type InsightFilters struct {
	ProcessID string
	Type      domain.InsightType
	Limit     int
	Offset    int
	Ascending bool
}

func (r Repo) ListInsights(ctx context.Context, f InsightFilters) ([]domain.Insight, error) {
	var (
		conds []string
		args  []any
	)
	if f.ProcessID != "" {
		conds = append(conds, "process_id=?")
		args = append(args, f.ProcessID)
	}
	if f.Type != "" {
		conds = append(conds, "type=?")
		args = append(args, string(f.Type))
	}
	query := `SELECT id,type,confidence,message,process_id,ts FROM insights`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	if f.Ascending {
		query += ` ORDER BY ts ASC, id ASC`
	} else {
		query += ` ORDER BY ts DESC, id DESC`
	}
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Insight
	for rows.Next() {
		var (
			in   domain.Insight
			kind string
			ts   string
		)
		if err := rows.Scan(&in.ID, &kind, &in.Confidence, &in.Message, &in.ProcessID, &ts); err != nil {
			return nil, err
		}
		in.Type = domain.InsightType(kind)
		if in.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parse insight ts: %w", err)
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

func (r Repo) CountInsights(ctx context.Context, f InsightFilters) (int, error) {
	var (
		conds []string
		args  []any
	)
	if f.ProcessID != "" {
		conds = append(conds, "process_id=?")
		args = append(args, f.ProcessID)
	}
	if f.Type != "" {
		conds = append(conds, "type=?")
		args = append(args, string(f.Type))
	}
	query := `SELECT COUNT(*) FROM insights`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	var count int
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
