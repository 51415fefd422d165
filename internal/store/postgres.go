package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// DefaultMaxBindParams keeps batched statements well under the Postgres limit
// of 65535 bind parameters per statement.
const DefaultMaxBindParams = 30000

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ReferenceTx is the reference-graph surface available inside a serializable
// transaction.
type ReferenceTx interface {
	UpdateTitleReferences(ctx context.Context, artifactID, title string) (int64, error)
	BulkUpdateByCompositeKey(ctx context.Context, update BulkUpdate) (int64, error)
	ArtifactTitles(ctx context.Context, ids []string) (map[string]string, error)
	DeleteOutgoingReferences(ctx context.Context, artifactID string) (int64, error)
	InsertReferences(ctx context.Context, refs []ArtifactReference) error
}

// Queries runs statements against either the pool or an open transaction.
type Queries struct {
	q         queryer
	maxParams int
}

type PostgresStore struct {
	*Queries
	db *sql.DB
}

func NewPostgresStore(db *sql.DB, maxBindParams int) *PostgresStore {
	if maxBindParams <= 0 {
		maxBindParams = DefaultMaxBindParams
	}
	return &PostgresStore{
		Queries: &Queries{q: db, maxParams: maxBindParams},
		db:      db,
	}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithSerializableTx runs fn in one SERIALIZABLE transaction, committing when fn
// returns nil and rolling back otherwise.
func (s *PostgresStore) WithSerializableTx(ctx context.Context, fn func(tx ReferenceTx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin serializable tx: %w", err)
	}
	if err := fn(&Queries{q: tx, maxParams: s.maxParams}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit serializable tx: %w", err)
	}
	return nil
}

const artifactColumns = `id, owner_id, title, type, theme, link_access, y_bin, content, plain_text, created_at, updated_at`

func (q *Queries) GetArtifact(ctx context.Context, artifactID string) (Artifact, error) {
	var item Artifact
	var yBin, content []byte
	err := q.q.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id=$1`, artifactID).Scan(
		&item.ID, &item.OwnerID, &item.Title, &item.Type, &item.Theme, &item.LinkAccess,
		&yBin, &content, &item.PlainText, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return Artifact{}, err
	}
	item.YBin = yBin
	item.Content = content
	return item, nil
}

func (q *Queries) InsertArtifact(ctx context.Context, item Artifact) error {
	content := string(item.Content)
	if content == "" {
		content = `{"type":"doc"}`
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO artifacts (id, owner_id, title, type, theme, link_access, y_bin, content, plain_text)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.OwnerID, item.Title, orDefault(item.Type, "note"), orDefault(item.Theme, "default"),
		orDefault(item.LinkAccess, "NoAccess"), item.YBin, content, item.PlainText)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

func (q *Queries) SaveArtifactState(ctx context.Context, state ArtifactState) error {
	content := string(state.Content)
	if content == "" {
		content = `{"type":"doc"}`
	}
	res, err := q.q.ExecContext(ctx, `
		UPDATE artifacts
		SET y_bin=$2, content=$3, plain_text=$4, title=$5, type=$6, theme=$7, link_access=$8, updated_at=NOW()
		WHERE id=$1
	`, state.ID, state.YBin, content, state.PlainText, state.Title, state.Type, state.Theme, state.LinkAccess)
	if err != nil {
		return fmt.Errorf("save artifact state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save artifact state %s: rows affected: %w", state.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("save artifact state %s: %w", state.ID, sql.ErrNoRows)
	}
	return nil
}

func (q *Queries) GetShare(ctx context.Context, artifactID, userID string) (ArtifactShare, error) {
	var share ArtifactShare
	err := q.q.QueryRowContext(ctx, `
		SELECT artifact_id, user_id, access_level, created_at
		FROM artifact_shares
		WHERE artifact_id=$1 AND user_id=$2
	`, artifactID, userID).Scan(&share.ArtifactID, &share.UserID, &share.AccessLevel, &share.CreatedAt)
	if err != nil {
		return ArtifactShare{}, err
	}
	return share, nil
}

func (q *Queries) UpsertShare(ctx context.Context, share ArtifactShare) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO artifact_shares (artifact_id, user_id, access_level)
		VALUES ($1, $2, $3)
		ON CONFLICT (artifact_id, user_id) DO UPDATE SET access_level = EXCLUDED.access_level
	`, share.ArtifactID, share.UserID, share.AccessLevel)
	if err != nil {
		return fmt.Errorf("upsert share: %w", err)
	}
	return nil
}

func (q *Queries) FindSession(ctx context.Context, sessionID string) (Session, error) {
	var sess Session
	err := q.q.QueryRowContext(ctx, `
		SELECT id, user_id, expires_at FROM sessions WHERE id=$1
	`, sessionID).Scan(&sess.ID, &sess.UserID, &sess.ExpiresAt)
	if err != nil {
		return Session{}, err
	}
	return sess, nil
}

func (q *Queries) SaveSession(ctx context.Context, sess Session) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET user_id = EXCLUDED.user_id, expires_at = EXCLUDED.expires_at
	`, sess.ID, sess.UserID, sess.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// UpdateTitleReferences rewrites the text of whole-document references that
// point at artifactID.
func (q *Queries) UpdateTitleReferences(ctx context.Context, artifactID, title string) (int64, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE artifact_references
		SET reference_text=$2
		WHERE target_artifact_id=$1
		  AND target_artifact_block_id IS NULL
		  AND target_artifact_date IS NULL
	`, artifactID, title)
	if err != nil {
		return 0, fmt.Errorf("update title references: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update title references: rows affected: %w", err)
	}
	return n, nil
}

// ArtifactTitles returns the title of every id that exists.
func (q *Queries) ArtifactTitles(ctx context.Context, ids []string) (map[string]string, error) {
	titles := make(map[string]string, len(ids))
	for _, chunk := range chunkRanges(len(ids), 1, q.maxParams) {
		batch := ids[chunk[0]:chunk[1]]
		placeholders := make([]string, len(batch))
		args := make([]any, len(batch))
		for i, id := range batch {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args[i] = id
		}
		rows, err := q.q.QueryContext(ctx, `SELECT id, title FROM artifacts WHERE id IN (`+strings.Join(placeholders, ", ")+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("artifact titles: %w", err)
		}
		for rows.Next() {
			var id, title string
			if err := rows.Scan(&id, &title); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan artifact title: %w", err)
			}
			titles[id] = title
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate artifact titles: %w", err)
		}
	}
	return titles, nil
}

func (q *Queries) DeleteOutgoingReferences(ctx context.Context, artifactID string) (int64, error) {
	res, err := q.q.ExecContext(ctx, `DELETE FROM artifact_references WHERE artifact_id=$1`, artifactID)
	if err != nil {
		return 0, fmt.Errorf("delete outgoing references: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete outgoing references: rows affected: %w", err)
	}
	return n, nil
}

const referenceInsertColumns = 9

func (q *Queries) InsertReferences(ctx context.Context, refs []ArtifactReference) error {
	for _, chunk := range chunkRanges(len(refs), referenceInsertColumns, q.maxParams) {
		batch := refs[chunk[0]:chunk[1]]
		values := make([]string, len(batch))
		args := make([]any, 0, len(batch)*referenceInsertColumns)
		for i, ref := range batch {
			values[i] = placeholderTuple(i*referenceInsertColumns+1, referenceInsertColumns, nil)
			args = append(args,
				ref.ID, ref.ArtifactID, ref.ArtifactBlockID, ref.TargetArtifactID,
				nullString(ref.TargetArtifactBlockID), nullString(ref.TargetArtifactDate),
				nullString(ref.ReferenceTargetArtifactID), ref.ReferenceText, ref.IsBroken,
			)
		}
		_, err := q.q.ExecContext(ctx, `
			INSERT INTO artifact_references (
				id, artifact_id, artifact_block_id, target_artifact_id, target_artifact_block_id,
				target_artifact_date, reference_target_artifact_id, reference_text, is_broken
			) VALUES `+strings.Join(values, ", "), args...)
		if err != nil {
			return fmt.Errorf("insert references: %w", err)
		}
	}
	return nil
}

const referenceColumns = `id, artifact_id, artifact_block_id, target_artifact_id, target_artifact_block_id,
	target_artifact_date, reference_target_artifact_id, reference_text, is_broken, created_at`

func (q *Queries) ListIncomingReferences(ctx context.Context, artifactID string) ([]ArtifactReference, error) {
	return q.listReferences(ctx, `SELECT `+referenceColumns+` FROM artifact_references WHERE target_artifact_id=$1 ORDER BY created_at, id`, artifactID)
}

func (q *Queries) ListOutgoingReferences(ctx context.Context, artifactID string) ([]ArtifactReference, error) {
	return q.listReferences(ctx, `SELECT `+referenceColumns+` FROM artifact_references WHERE artifact_id=$1 ORDER BY created_at, id`, artifactID)
}

func (q *Queries) listReferences(ctx context.Context, query, artifactID string) ([]ArtifactReference, error) {
	rows, err := q.q.QueryContext(ctx, query, artifactID)
	if err != nil {
		return nil, fmt.Errorf("list references: %w", err)
	}
	defer rows.Close()

	items := make([]ArtifactReference, 0)
	for rows.Next() {
		var item ArtifactReference
		var blockID, date, resolved sql.NullString
		if err := rows.Scan(&item.ID, &item.ArtifactID, &item.ArtifactBlockID, &item.TargetArtifactID,
			&blockID, &date, &resolved, &item.ReferenceText, &item.IsBroken, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reference: %w", err)
		}
		item.TargetArtifactBlockID = stringPtr(blockID)
		item.TargetArtifactDate = stringPtr(date)
		item.ReferenceTargetArtifactID = stringPtr(resolved)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate references: %w", err)
	}
	return items, nil
}

// IsNotFound reports whether err means the row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
