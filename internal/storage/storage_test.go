package storage_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/EpsylonBita/smallpos/internal/storage"
)

func TestOpen_CreatesDatabaseFileAndMigrates(t *testing.T) {
	log := zerolog.New(io.Discard)
	dir := t.TempDir()
	db, err := storage.Open(dir, log)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.RunMigrations(context.Background()))
	require.FileExists(t, db.Path())
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	log := zerolog.New(io.Discard)
	db, err := storage.Open(t.TempDir(), log)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.RunMigrations(context.Background()))

	borrow := db.Borrow()
	err = db.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`INSERT INTO orders (id, order_number, items, total) VALUES ('order-1', 'ORD-1', '[]', 0)`)
		return err
	})
	borrow.Release()
	require.NoError(t, err)

	var count int
	require.NoError(t, db.Conn().Get(&count, `SELECT COUNT(*) FROM orders WHERE id = 'order-1'`))
	require.Equal(t, 1, count)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	log := zerolog.New(io.Discard)
	db, err := storage.Open(t.TempDir(), log)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.RunMigrations(context.Background()))

	wantErr := errors.New("boom")
	borrow := db.Borrow()
	err = db.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(`INSERT INTO orders (id, order_number, items, total) VALUES ('order-2', 'ORD-2', '[]', 0)`); err != nil {
			return err
		}
		return wantErr
	})
	borrow.Release()
	require.ErrorIs(t, err, wantErr)

	var count int
	require.NoError(t, db.Conn().Get(&count, `SELECT COUNT(*) FROM orders WHERE id = 'order-2'`))
	require.Equal(t, 0, count)
}
