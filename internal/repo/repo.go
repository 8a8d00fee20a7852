package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"backline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an optimistic version check loses the race.
	ErrConflict = errors.New("conflicting write")
)

// executor abstracts *sql.DB and *sql.Tx so reads can run inside the
// mutation transaction.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// --- projects ---

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,status,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, p.Status, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,status,description,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Status, &desc, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,COALESCE(description,'') ,created_at FROM projects ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Status, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) CountItemsByState(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT workflow_state, COUNT(*) FROM items WHERE project_id=? GROUP BY workflow_state`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// --- items ---

const itemColumns = `id,project_id,item_type,parent_id,title,description,workflow_state,priority,severity,story_points,
labels_json,components_json,acceptance_json,generation_context_json,interview_question_ids_json,
blocked_reason,pending_modification_json,version,created_at,updated_at`

func scanItem(row scanner) (domain.Item, error) {
	var it domain.Item
	var severity, labels, components, acceptance, genCtx, interviewIDs, blockedReason, pendingMod sql.NullString
	var storyPoints sql.NullFloat64
	err := row.Scan(
		&it.ID, &it.ProjectID, &it.ItemType, &it.ParentID, &it.Title, &it.Description, &it.WorkflowState,
		&it.Priority, &severity, &storyPoints,
		&labels, &components, &acceptance, &genCtx, &interviewIDs,
		&blockedReason, &pendingMod, &it.Version, &it.CreatedAt, &it.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	if severity.Valid {
		it.Severity = &severity.String
	}
	if storyPoints.Valid {
		it.StoryPoints = &storyPoints.Float64
	}
	if blockedReason.Valid {
		it.BlockedReason = &blockedReason.String
	}
	if err := unmarshalStrings(labels, &it.Labels); err != nil {
		return it, err
	}
	if err := unmarshalStrings(components, &it.Components); err != nil {
		return it, err
	}
	if err := unmarshalStrings(acceptance, &it.AcceptanceCriteria); err != nil {
		return it, err
	}
	if err := unmarshalStrings(interviewIDs, &it.InterviewQuestionIDs); err != nil {
		return it, err
	}
	if genCtx.Valid && genCtx.String != "" {
		if err := json.Unmarshal([]byte(genCtx.String), &it.GenerationContext); err != nil {
			return it, fmt.Errorf("generation context for %s: %w", it.ID, err)
		}
	}
	if pendingMod.Valid && pendingMod.String != "" {
		var pm domain.PendingModification
		if err := json.Unmarshal([]byte(pendingMod.String), &pm); err != nil {
			return it, fmt.Errorf("pending modification for %s: %w", it.ID, err)
		}
		it.PendingModification = &pm
	}
	return it, nil
}

func itemArgs(it domain.Item) ([]any, error) {
	labels, err := marshalStrings(it.Labels)
	if err != nil {
		return nil, err
	}
	components, err := marshalStrings(it.Components)
	if err != nil {
		return nil, err
	}
	acceptance, err := marshalStrings(it.AcceptanceCriteria)
	if err != nil {
		return nil, err
	}
	interviewIDs, err := marshalStrings(it.InterviewQuestionIDs)
	if err != nil {
		return nil, err
	}
	var genCtx *string
	if it.GenerationContext != nil {
		b, err := json.Marshal(it.GenerationContext)
		if err != nil {
			return nil, err
		}
		s := string(b)
		genCtx = &s
	}
	var pendingMod *string
	if it.PendingModification != nil {
		b, err := json.Marshal(it.PendingModification)
		if err != nil {
			return nil, err
		}
		s := string(b)
		pendingMod = &s
	}
	return []any{
		it.ID, it.ProjectID, it.ItemType, it.ParentID, it.Title, it.Description, it.WorkflowState,
		it.Priority, it.Severity, it.StoryPoints,
		labels, components, acceptance, genCtx, interviewIDs,
		it.BlockedReason, pendingMod,
	}, nil
}

func (r Repo) InsertItemTx(ctx context.Context, tx *sql.Tx, it domain.Item) error {
	args, err := itemArgs(it)
	if err != nil {
		return err
	}
	args = append(args, it.Version, it.CreatedAt, it.UpdatedAt)
	_, err = tx.ExecContext(ctx, `INSERT INTO items(`+itemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	return err
}

func (r Repo) GetItem(ctx context.Context, id string) (domain.Item, error) {
	return getItem(ctx, r.DB, id)
}

func (r Repo) GetItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.Item, error) {
	return getItem(ctx, tx, id)
}

func getItem(ctx context.Context, exec executor, id string) (domain.Item, error) {
	return scanItem(exec.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id=?`, id))
}

// ItemFilter narrows ListItems.
type ItemFilter struct {
	ProjectID string
	State     *string
	ItemType  *string
	ParentID  *string
}

func (r Repo) ListItems(ctx context.Context, f ItemFilter) ([]domain.Item, error) {
	clauses := []string{"project_id=?"}
	args := []any{f.ProjectID}
	if f.State != nil {
		clauses = append(clauses, "workflow_state=?")
		args = append(args, *f.State)
	}
	if f.ItemType != nil {
		clauses = append(clauses, "item_type=?")
		args = append(args, *f.ItemType)
	}
	if f.ParentID != nil {
		clauses = append(clauses, "parent_id=?")
		args = append(args, *f.ParentID)
	}
	query := `SELECT ` + itemColumns + ` FROM items WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY priority DESC, created_at ASC, id ASC`
	return queryItems(ctx, r.DB, query, args...)
}

func (r Repo) ListChildren(ctx context.Context, parentID string) ([]domain.Item, error) {
	return listChildren(ctx, r.DB, parentID)
}

func (r Repo) ListChildrenTx(ctx context.Context, tx *sql.Tx, parentID string) ([]domain.Item, error) {
	return listChildren(ctx, tx, parentID)
}

func listChildren(ctx context.Context, exec executor, parentID string) ([]domain.Item, error) {
	return queryItems(ctx, exec, `SELECT `+itemColumns+` FROM items WHERE parent_id=? ORDER BY created_at ASC, id ASC`, parentID)
}

func queryItems(ctx context.Context, exec executor, query string, args ...any) ([]domain.Item, error) {
	rows, err := exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []domain.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// UpdateItemTx writes every mutable field, guarded by the optimistic version
// check. it.Version must be the version the caller read; the row's version is
// bumped. Zero affected rows means a concurrent writer won.
func (r Repo) UpdateItemTx(ctx context.Context, tx *sql.Tx, it domain.Item) error {
	args, err := itemArgs(it)
	if err != nil {
		return err
	}
	// Strip id/project_id/item_type from the front; identity never changes.
	fieldArgs := args[3:]
	fieldArgs = append(fieldArgs, it.UpdatedAt, it.ID, it.Version)
	res, err := tx.ExecContext(ctx, `UPDATE items SET
		parent_id=?, title=?, description=?, workflow_state=?, priority=?, severity=?, story_points=?,
		labels_json=?, components_json=?, acceptance_json=?, generation_context_json=?, interview_question_ids_json=?,
		blocked_reason=?, pending_modification_json=?, version=version+1, updated_at=?
		WHERE id=? AND version=?`, fieldArgs...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (r Repo) DeleteItemsTx(ctx context.Context, tx *sql.Tx, ids []string) error {
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `DELETE FROM items WHERE id=?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("item %s: %w", id, ErrNotFound)
		}
	}
	return nil
}

// --- relationships ---

const relationshipColumns = `id,project_id,source_item_id,target_item_id,relationship_type,pair_id,created_at`

func scanRelationship(row scanner) (domain.Relationship, error) {
	var rel domain.Relationship
	err := row.Scan(&rel.ID, &rel.ProjectID, &rel.SourceItemID, &rel.TargetItemID, &rel.RelationshipType, &rel.PairID, &rel.CreatedAt)
	if err == sql.ErrNoRows {
		return rel, ErrNotFound
	}
	return rel, err
}

func (r Repo) InsertRelationshipTx(ctx context.Context, tx *sql.Tx, rel domain.Relationship) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO relationships(`+relationshipColumns+`) VALUES (?,?,?,?,?,?,?)`,
		rel.ID, rel.ProjectID, rel.SourceItemID, rel.TargetItemID, rel.RelationshipType, rel.PairID, rel.CreatedAt)
	return err
}

func (r Repo) GetRelationship(ctx context.Context, id string) (domain.Relationship, error) {
	return scanRelationship(r.DB.QueryRowContext(ctx, `SELECT `+relationshipColumns+` FROM relationships WHERE id=?`, id))
}

func (r Repo) GetRelationshipTx(ctx context.Context, tx *sql.Tx, id string) (domain.Relationship, error) {
	return scanRelationship(tx.QueryRowContext(ctx, `SELECT `+relationshipColumns+` FROM relationships WHERE id=?`, id))
}

func (r Repo) DeleteRelationshipTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM relationships WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListItemRelationships(ctx context.Context, itemID string) ([]domain.Relationship, error) {
	return queryRelationships(ctx, r.DB,
		`SELECT `+relationshipColumns+` FROM relationships WHERE source_item_id=? OR target_item_id=? ORDER BY created_at ASC, id ASC`,
		itemID, itemID)
}

// ListRelationshipsByTypeTx returns every edge of one type in a project,
// read inside the mutation transaction for the cycle check.
func (r Repo) ListRelationshipsByTypeTx(ctx context.Context, tx *sql.Tx, projectID, relationshipType string) ([]domain.Relationship, error) {
	return queryRelationships(ctx, tx,
		`SELECT `+relationshipColumns+` FROM relationships WHERE project_id=? AND relationship_type=?`,
		projectID, relationshipType)
}

func (r Repo) DeleteRelationshipsForItemsTx(ctx context.Context, tx *sql.Tx, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(itemIDs)), ",")
	args := make([]any, 0, len(itemIDs)*2)
	for _, id := range itemIDs {
		args = append(args, id)
	}
	for _, id := range itemIDs {
		args = append(args, id)
	}
	_, err := tx.ExecContext(ctx,
		`DELETE FROM relationships WHERE source_item_id IN (`+placeholders+`) OR target_item_id IN (`+placeholders+`)`,
		args...)
	return err
}

func queryRelationships(ctx context.Context, exec executor, query string, args ...any) ([]domain.Relationship, error) {
	rows, err := exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rels []domain.Relationship
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		rels = append(rels, rel)
	}
	return rels, rows.Err()
}

// --- status transitions ---

func (r Repo) ListTransitions(ctx context.Context, itemID string) ([]domain.StatusTransition, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,item_id,project_id,from_state,to_state,actor,reason,ts FROM status_transitions WHERE item_id=? ORDER BY id ASC`,
		itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusTransition
	for rows.Next() {
		var t domain.StatusTransition
		if err := rows.Scan(&t.ID, &t.ItemID, &t.ProjectID, &t.FromState, &t.ToState, &t.Actor, &t.Reason, &t.TS); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// LatestTransitionTx returns the newest transition row for an item, used to
// tell a just-resolved modification apart from an item that was never blocked.
func (r Repo) LatestTransitionTx(ctx context.Context, tx *sql.Tx, itemID string) (domain.StatusTransition, error) {
	var t domain.StatusTransition
	err := tx.QueryRowContext(ctx,
		`SELECT id,item_id,project_id,from_state,to_state,actor,reason,ts FROM status_transitions WHERE item_id=? ORDER BY id DESC LIMIT 1`,
		itemID).Scan(&t.ID, &t.ItemID, &t.ProjectID, &t.FromState, &t.ToState, &t.Actor, &t.Reason, &t.TS)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

// --- jobs ---

const jobColumns = `id,job_type,status,payload_json,progress_percent,progress_message,result_json,error,created_at,started_at,completed_at`

func scanJob(row scanner) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.JobType, &j.Status, &j.PayloadJSON, &j.ProgressPercent, &j.ProgressMessage,
		&j.ResultJSON, &j.Error, &j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	return j, err
}

func (r Repo) InsertJob(ctx context.Context, j domain.Job) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO jobs(`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.JobType, j.Status, j.PayloadJSON, j.ProgressPercent, j.ProgressMessage,
		j.ResultJSON, j.Error, j.CreatedAt, j.StartedAt, j.CompletedAt)
	return err
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
}

func (r Repo) ListJobs(ctx context.Context, status *string) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if status != nil {
		query += ` WHERE status=?`
		args = append(args, *status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// MarkJobRunning claims a pending job. Returns false if the job was already
// claimed, cancelled, or does not exist.
func (r Repo) MarkJobRunning(ctx context.Context, id, startedAt string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET status='running', started_at=? WHERE id=? AND status='pending'`, startedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UpdateJobProgress records best-effort progress. Progress never decreases
// and is only written while the job is running.
func (r Repo) UpdateJobProgress(ctx context.Context, id string, percent int, message string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE jobs SET progress_percent=?, progress_message=? WHERE id=? AND status='running' AND (progress_percent IS NULL OR progress_percent <= ?)`,
		percent, message, id, percent)
	return err
}

func (r Repo) CompleteJob(ctx context.Context, id, resultJSON, completedAt string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE jobs SET status='completed', result_json=?, progress_percent=100, completed_at=? WHERE id=? AND status='running'`,
		resultJSON, completedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) FailJob(ctx context.Context, id, errMsg, completedAt string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE jobs SET status='failed', error=?, completed_at=? WHERE id=? AND status='running'`,
		errMsg, completedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) CancelJob(ctx context.Context, id, completedAt string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE jobs SET status='cancelled', completed_at=? WHERE id=? AND status IN ('pending','running')`,
		completedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) DeleteTerminalJobsBefore(ctx context.Context, cutoff string) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN ('completed','failed','cancelled') AND completed_at IS NOT NULL AND completed_at < ?`,
		cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- helpers ---

func marshalStrings(in []string) (*string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func unmarshalStrings(col sql.NullString, dst *[]string) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dst)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
