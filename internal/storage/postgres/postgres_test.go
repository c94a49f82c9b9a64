package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/princekumarofficial/uploads-service/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestPostgres(t *testing.T) *Postgres {
	t.Helper()

	dsn := os.Getenv("UPLOADS_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("UPLOADS_TEST_PG_DSN not set")
	}

	pg, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { pg.Close() })

	return pg
}

func randomHash() string {
	sum := sha256.Sum256([]byte(uuid.New().String()))
	return hex.EncodeToString(sum[:])
}

func TestPostgres_InsertAndLookup(t *testing.T) {
	pg := setupTestPostgres(t)
	ctx := context.Background()
	hash := randomHash()

	_, err := pg.Lookup(ctx, hash)
	assert.ErrorIs(t, err, types.ErrObjectNotFound)

	obj := types.StoredObject{
		ContentHash:   hash,
		Size:          42,
		StoragePath:   hash[:2] + "/" + hash[2:4] + "/" + hash,
		PublicPath:    "/files/" + hash,
		FirstStoredAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	got, inserted, err := pg.InsertIfAbsent(ctx, obj)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, obj.StoragePath, got.StoragePath)

	found, err := pg.Lookup(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, int64(42), found.Size)
	assert.Equal(t, obj.PublicPath, found.PublicPath)

	dup := obj
	dup.StoragePath = "other"
	got, inserted, err = pg.InsertIfAbsent(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, obj.StoragePath, got.StoragePath)
}

func TestPostgres_ConcurrentInsertSingleWinner(t *testing.T) {
	pg := setupTestPostgres(t)
	ctx := context.Background()
	hash := randomHash()

	const racers = 8
	var wg sync.WaitGroup
	results := make(chan bool, racers)
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func() {
			defer wg.Done()
			_, inserted, err := pg.InsertIfAbsent(ctx, types.StoredObject{
				ContentHash:   hash,
				Size:          1,
				StoragePath:   uuid.New().String(),
				PublicPath:    "/files/x",
				FirstStoredAt: time.Now(),
			})
			assert.NoError(t, err)
			results <- inserted
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for inserted := range results {
		if inserted {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}
