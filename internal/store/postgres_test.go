package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T, maxParams int) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		if closeErr := db.Close(); closeErr != nil {
			t.Logf("Failed to close mock db: %v", closeErr)
		}
	})
	return NewPostgresStore(db, maxParams), mock
}

func referenceTextUpdate(rows [][]any) BulkUpdate {
	return BulkUpdate{
		Table:        "artifact_references",
		KeyColumns:   []Column{{Name: "target_artifact_id", Type: "text"}, {Name: "target_artifact_block_id", Type: "text"}},
		ValueColumns: []Column{{Name: "reference_text", Type: "text"}},
		Rows:         rows,
	}
}

func TestBuildBulkUpdate(t *testing.T) {
	query, args := buildBulkUpdate(referenceTextUpdate(nil), [][]any{{"a1", "b1", "one"}, {"a1", "b2", "two"}})

	want := "UPDATE artifact_references AS t SET reference_text = v.reference_text " +
		"FROM (VALUES ($1::text, $2::text, $3::text), ($4::text, $5::text, $6::text)) " +
		"AS v(target_artifact_id, target_artifact_block_id, reference_text) " +
		"WHERE t.target_artifact_id = v.target_artifact_id AND t.target_artifact_block_id = v.target_artifact_block_id"
	assert.Equal(t, want, query)
	assert.Equal(t, []any{"a1", "b1", "one", "a1", "b2", "two"}, args)
}

func TestBulkUpdateByCompositeKeyChunksByParamLimit(t *testing.T) {
	// 3 params per row and a limit of 9 gives 3 rows per statement.
	s, mock := newMockStore(t, 9)

	rows := make([][]any, 10)
	for i := range rows {
		rows[i] = []any{"a1", fmt.Sprintf("b%d", i), fmt.Sprintf("text %d", i)}
	}
	for _, size := range []int{3, 3, 3, 1} {
		mock.ExpectExec(regexp.QuoteMeta("UPDATE artifact_references AS t SET reference_text = v.reference_text")).
			WillReturnResult(sqlmock.NewResult(0, int64(size)))
	}

	n, err := s.BulkUpdateByCompositeKey(context.Background(), referenceTextUpdate(rows))
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRowsAffectedErrorsAreReturned(t *testing.T) {
	s, mock := newMockStore(t, 0)
	ctx := context.Background()
	unsupported := errors.New("rows affected unsupported")

	mock.ExpectExec("UPDATE artifact_references AS t").WillReturnResult(sqlmock.NewErrorResult(unsupported))
	_, err := s.BulkUpdateByCompositeKey(ctx, referenceTextUpdate([][]any{{"a1", "b1", "one"}}))
	assert.ErrorIs(t, err, unsupported)

	mock.ExpectExec("UPDATE artifact_references").WithArgs("a1", "Title").WillReturnResult(sqlmock.NewErrorResult(unsupported))
	_, err = s.UpdateTitleReferences(ctx, "a1", "Title")
	assert.ErrorIs(t, err, unsupported)

	mock.ExpectExec("DELETE FROM artifact_references").WithArgs("a1").WillReturnResult(sqlmock.NewErrorResult(unsupported))
	_, err = s.DeleteOutgoingReferences(ctx, "a1")
	assert.ErrorIs(t, err, unsupported)

	mock.ExpectExec("UPDATE artifacts").WillReturnResult(sqlmock.NewErrorResult(unsupported))
	err = s.SaveArtifactState(ctx, ArtifactState{ID: "a1"})
	assert.ErrorIs(t, err, unsupported)
	assert.False(t, IsNotFound(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpdateByCompositeKeyRejectsBadInput(t *testing.T) {
	s, _ := newMockStore(t, 0)
	ctx := context.Background()

	bad := referenceTextUpdate([][]any{{"a1", "b1"}})
	_, err := s.BulkUpdateByCompositeKey(ctx, bad)
	assert.Error(t, err)

	injected := referenceTextUpdate(nil)
	injected.Table = "artifact_references; DROP TABLE artifacts"
	_, err = s.BulkUpdateByCompositeKey(ctx, injected)
	assert.Error(t, err)

	n, err := s.BulkUpdateByCompositeKey(ctx, referenceTextUpdate(nil))
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestChunkRanges(t *testing.T) {
	tests := []struct {
		total, width, max int
		want              [][2]int
	}{
		{0, 3, 9, nil},
		{2, 3, 9, [][2]int{{0, 2}}},
		{7, 3, 9, [][2]int{{0, 3}, {3, 6}, {6, 7}}},
		{2, 10, 9, [][2]int{{0, 1}, {1, 2}}},
		{30000, 3, DefaultMaxBindParams, [][2]int{{0, 10000}, {10000, 20000}, {20000, 30000}}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, chunkRanges(tt.total, tt.width, tt.max), "total=%d width=%d", tt.total, tt.width)
	}
}

func TestInsertReferencesChunks(t *testing.T) {
	// 9 params per row and a limit of 18 gives 2 rows per statement.
	s, mock := newMockStore(t, 18)
	refs := make([]ArtifactReference, 5)
	for i := range refs {
		refs[i] = ArtifactReference{ID: fmt.Sprintf("ref_%d", i), ArtifactID: "a1", ArtifactBlockID: "p1", TargetArtifactID: "a2"}
	}
	for i := 0; i < 3; i++ {
		mock.ExpectExec("INSERT INTO artifact_references").WillReturnResult(sqlmock.NewResult(0, 1))
	}
	require.NoError(t, s.InsertReferences(context.Background(), refs))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestArtifactTitles(t *testing.T) {
	s, mock := newMockStore(t, 2)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, title FROM artifacts WHERE id IN ($1, $2)")).
		WithArgs("a1", "a2").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title"}).AddRow("a1", "First"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, title FROM artifacts WHERE id IN ($1)")).
		WithArgs("a3").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title"}).AddRow("a3", "Third"))

	titles, err := s.ArtifactTitles(context.Background(), []string{"a1", "a2", "a3"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a1": "First", "a3": "Third"}, titles)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithSerializableTx(t *testing.T) {
	t.Run("commit", func(t *testing.T) {
		s, mock := newMockStore(t, 0)
		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM artifact_references").WithArgs("a1").WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectCommit()

		err := s.WithSerializableTx(context.Background(), func(tx ReferenceTx) error {
			n, err := tx.DeleteOutgoingReferences(context.Background(), "a1")
			assert.Equal(t, int64(2), n)
			return err
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rollback on error", func(t *testing.T) {
		s, mock := newMockStore(t, 0)
		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM artifact_references").WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectRollback()

		boom := errors.New("boom")
		err := s.WithSerializableTx(context.Background(), func(tx ReferenceTx) error {
			if _, err := tx.DeleteOutgoingReferences(context.Background(), "a1"); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGetArtifactNotFound(t *testing.T) {
	s, mock := newMockStore(t, 0)
	mock.ExpectQuery("SELECT (.+) FROM artifacts WHERE id").WithArgs("missing").WillReturnError(sql.ErrNoRows)

	_, err := s.GetArtifact(context.Background(), "missing")
	assert.True(t, IsNotFound(err))
}

func TestSaveArtifactStateMissingRow(t *testing.T) {
	s, mock := newMockStore(t, 0)
	mock.ExpectExec("UPDATE artifacts").WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.SaveArtifactState(context.Background(), ArtifactState{ID: "gone"})
	assert.True(t, IsNotFound(err))
}

func TestIsSerializationFailure(t *testing.T) {
	wrapped := fmt.Errorf("commit: %w", &pgconn.PgError{Code: "40001", Message: "could not serialize access"})
	assert.True(t, IsSerializationFailure(wrapped))
	assert.False(t, IsSerializationFailure(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsSerializationFailure(errors.New(strings.Repeat("x", 3))))
}
