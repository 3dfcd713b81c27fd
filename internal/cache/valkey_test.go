package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValkeyProviderGetMiss(t *testing.T) {
	db, mock := redismock.NewClientMock()
	p := NewValkeyProviderWithClient(db)

	mock.ExpectGet("logrca:missing").RedisNil()
	_, err := p.Get(context.Background(), "logrca:missing")
	require.ErrorIs(t, err, ErrCacheMiss)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestValkeyProviderRoundTrip(t *testing.T) {
	db, mock := redismock.NewClientMock()
	p := NewValkeyProviderWithClient(db)
	ctx := context.Background()

	mock.ExpectSet("logrca:k", []byte("v"), time.Minute).SetVal("OK")
	mock.ExpectGet("logrca:k").SetVal("v")
	mock.ExpectDel("logrca:k").SetVal(1)

	require.NoError(t, p.Set(ctx, "logrca:k", []byte("v"), time.Minute))
	got, err := p.Get(ctx, "logrca:k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
	require.NoError(t, p.Del(ctx, "logrca:k"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestValkeyProviderSetNX(t *testing.T) {
	db, mock := redismock.NewClientMock()
	p := NewValkeyProviderWithClient(db)
	ctx := context.Background()

	mock.ExpectSetNX("logrca:run-lock", []byte("run-1"), time.Hour).SetVal(true)
	mock.ExpectSetNX("logrca:run-lock", []byte("run-2"), time.Hour).SetVal(false)

	ok, err := p.SetNX(ctx, "logrca:run-lock", []byte("run-1"), time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.SetNX(ctx, "logrca:run-lock", []byte("run-2"), time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestValkeyProviderErrors(t *testing.T) {
	db, mock := redismock.NewClientMock()
	p := NewValkeyProviderWithClient(db)

	mock.ExpectPing().SetErr(errors.New("dial tcp: refused"))
	assert.Error(t, p.Ping(context.Background()))

	mock.ExpectGet("logrca:k").SetErr(errors.New("io timeout"))
	_, err := p.Get(context.Background(), "logrca:k")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrCacheMiss))
}

func TestNewValkeyProviderRequiresAddr(t *testing.T) {
	_, err := NewValkeyProvider(ValkeyConfig{})
	assert.Error(t, err)
}
