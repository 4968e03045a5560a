package database

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
	commitErr  error
}

func (tx *fakeTx) Commit(context.Context) error {
	if tx.commitErr != nil {
		return tx.commitErr
	}
	tx.committed = true
	return nil
}

func (tx *fakeTx) Rollback(context.Context) error {
	if tx.committed {
		return pgx.ErrTxClosed
	}
	tx.rolledBack = true
	return nil
}

type fakeBeginner struct {
	tx  *fakeTx
	err error
}

func (b *fakeBeginner) Begin(context.Context) (pgx.Tx, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.tx, nil
}

func TestWithTx(t *testing.T) {
	ctx := context.Background()

	t.Run("commits on success", func(t *testing.T) {
		b := &fakeBeginner{tx: &fakeTx{}}
		err := WithTx(ctx, b, func(tx pgx.Tx) error { return nil })
		require.NoError(t, err)
		assert.True(t, b.tx.committed)
		assert.False(t, b.tx.rolledBack)
	})

	t.Run("rolls back on error", func(t *testing.T) {
		b := &fakeBeginner{tx: &fakeTx{}}
		boom := errors.New("boom")
		err := WithTx(ctx, b, func(tx pgx.Tx) error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.False(t, b.tx.committed)
		assert.True(t, b.tx.rolledBack)
	})

	t.Run("begin failure", func(t *testing.T) {
		b := &fakeBeginner{err: errors.New("no connection")}
		called := false
		err := WithTx(ctx, b, func(tx pgx.Tx) error { called = true; return nil })
		assert.Error(t, err)
		assert.False(t, called)
	})

	t.Run("commit failure", func(t *testing.T) {
		b := &fakeBeginner{tx: &fakeTx{commitErr: errors.New("serialization failure")}}
		err := WithTx(ctx, b, func(tx pgx.Tx) error { return nil })
		assert.ErrorContains(t, err, "failed to commit transaction")
		assert.True(t, b.tx.rolledBack)
	})
}

func TestNewPostgresDB_InvalidURL(t *testing.T) {
	_, err := NewPostgresDB(context.Background(), "://not a url", "")
	assert.ErrorContains(t, err, "failed to parse database URL")
}
