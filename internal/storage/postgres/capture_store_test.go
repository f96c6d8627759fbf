package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webshot/internal/capture"
)

func TestStoreCaptureInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCaptureStoreWithPool(mock, "")
	require.NoError(t, err)

	rec := capture.Record{
		ID:          "0192f0c2-7d5e-7b7a-9c1e-3f1d2a4b5c6d",
		Key:         "https://example.com/",
		URL:         "https://Example.com",
		CapturedAt:  time.Unix(1700000000, 0).UTC(),
		ContentHash: "abc123",
		BlobURI:     "gs://bucket/shots/ab/abc123.png",
		ByteSize:    2048,
		StatusCode:  200,
	}

	mock.ExpectExec("INSERT INTO captures").
		WithArgs(
			rec.ID,
			rec.Key,
			rec.URL,
			rec.CapturedAt,
			rec.ContentHash,
			rec.BlobURI,
			rec.ByteSize,
			rec.StatusCode,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.StoreCapture(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreCaptureWrapsErrors(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCaptureStoreWithPool(mock, "shots")
	require.NoError(t, err)

	boom := errors.New("connection reset")
	mock.ExpectExec("INSERT INTO shots").
		WithArgs(
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnError(boom)

	err = store.StoreCapture(context.Background(), capture.Record{ID: "id-1"})
	require.ErrorIs(t, err, boom)
	require.Error(t, store.StoreCapture(context.Background(), capture.Record{}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCaptureStoreWithPool(mock, "captures")
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS captures").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTableNameValidation(t *testing.T) {
	t.Parallel()

	_, err := NewCaptureStoreWithPool(nil, "captures")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewCaptureStoreWithPool(mock, "captures; DROP TABLE x")
	require.Error(t, err)

	_, err = NewCaptureStore(context.Background(), Config{})
	require.Error(t, err)
	_, err = NewCaptureStore(context.Background(), Config{DSN: "postgres://localhost/db", Table: "bad-name"})
	require.Error(t, err)
}
