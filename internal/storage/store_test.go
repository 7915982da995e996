package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "a", []byte(`{"q1":"A"}`)))
	v, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"q1":"A"}`, string(v))

	require.NoError(t, s.Set(ctx, "a", []byte(`{"q1":"B"}`)))
	v, err = MustGet(ctx, s, "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"q1":"B"}`, string(v))

	require.NoError(t, s.Set(ctx, "b", []byte("x")))
	require.NoError(t, s.Delete(ctx, "a", "b", "never-set"))
	_, err = MustGet(ctx, s, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	_, ok, err = s.Get(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(0))
}

func TestMemoryStore_Quota(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(8)

	require.NoError(t, s.Set(ctx, "a", []byte("12345")))
	assert.ErrorIs(t, s.Set(ctx, "b", []byte("6789")), ErrQuotaExceeded)

	// replacing a value only counts the difference
	require.NoError(t, s.Set(ctx, "a", []byte("12345678")))
	require.NoError(t, s.Delete(ctx, "a"))
	require.NoError(t, s.Set(ctx, "b", []byte("6789")))
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	in := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", in))
	in[0] = 'z'

	v, _, _ := s.Get(ctx, "k")
	assert.Equal(t, "abc", string(v))
	v[1] = 'z'
	v2, _, _ := s.Get(ctx, "k")
	assert.Equal(t, "abc", string(v2))
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	s, err := NewSQLiteStore(context.Background(), path, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	exerciseStore(t, s)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	s, err := NewSQLiteStore(ctx, path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "exam-answers-e1-new", []byte(`{"q1":"C"}`)))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(ctx, path, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()
	v, err := MustGet(ctx, s, "exam-answers-e1-new")
	require.NoError(t, err)
	assert.JSONEq(t, `{"q1":"C"}`, string(v))
}

func TestMigrator_UpAndDown(t *testing.T) {
	ctx := context.Background()
	db, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)

	m, err := NewMigrator(db)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Up())
	version, dirty, err := m.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)
	assert.ErrorIs(t, m.Up(), migrate.ErrNoChange)

	require.NoError(t, m.Down())
	var n int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'exam_cache'`).Scan(&n))
	assert.Zero(t, n)
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	s, err := NewRedisStore(context.Background(), url, time.Minute, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	exerciseStore(t, s)
}
