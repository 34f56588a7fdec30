package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/cppla/imghost/models"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type storeFixture struct {
	store ImageStore
	blobs BlobStore
	clock *testClock
}

type storeFactory func(t *testing.T, opts Options) (ImageStore, BlobStore)

func memoryFactory(t *testing.T, opts Options) (ImageStore, BlobStore) {
	blobs, err := NewFSBlobStore(afero.NewMemMapFs(), "uploads")
	require.NoError(t, err)
	return NewMemoryStore(blobs, opts), blobs
}

func newSQLiteDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func sqlFactory(t *testing.T, opts Options) (ImageStore, BlobStore) {
	blobs, err := NewFSBlobStore(afero.NewMemMapFs(), "uploads")
	require.NoError(t, err)
	store, err := NewSQLStore(newSQLiteDB(t), blobs, opts)
	require.NoError(t, err)
	return store, blobs
}

func newMiniRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func redisFactory(t *testing.T, opts Options) (ImageStore, BlobStore) {
	client := newMiniRedis(t)
	blobs := NewRedisBlobStore(client, "test:")
	return NewRedisStore(client, "test:", blobs, opts), blobs
}

var backends = map[string]storeFactory{
	"memory": memoryFactory,
	"sql":    sqlFactory,
	"redis":  redisFactory,
}

func newFixture(t *testing.T, factory storeFactory, defaultDays int) *storeFixture {
	clock := newTestClock()
	store, blobs := factory(t, Options{Now: clock.Now, DefaultExpireDays: defaultDays})
	return &storeFixture{store: store, blobs: blobs, clock: clock}
}

// add stores bytes and a record the way the upload pipeline does.
func (f *storeFixture) add(t *testing.T, shortID string) *models.Image {
	t.Helper()
	ctx := context.Background()
	key := "images-" + shortID + ".png"
	require.NoError(t, f.blobs.Put(ctx, key, []byte("bytes-"+shortID)))
	img, err := f.store.CreateImage(ctx, models.NewImage{
		ShortID:      shortID,
		Filename:     key,
		OriginalName: shortID + ".png",
		MimeType:     "image/png",
		Size:         int64(len("bytes-" + shortID)),
		Width:        models.IntPtr(10),
		Height:       models.IntPtr(20),
	})
	require.NoError(t, err)
	return img
}

func forEachBackend(t *testing.T, fn func(t *testing.T, factory storeFactory)) {
	for name, factory := range backends {
		factory := factory
		t.Run(name, func(t *testing.T) { fn(t, factory) })
	}
}

func TestStore_CreateAndLookup(t *testing.T) {
	forEachBackend(t, func(t *testing.T, factory storeFactory) {
		ctx := context.Background()
		f := newFixture(t, factory, 0)

		a := f.add(t, "AAAAAAAA")
		b := f.add(t, "BBBBBBBB")
		assert.Greater(t, b.ID, a.ID)
		assert.Nil(t, a.ExpiresAt)
		assert.True(t, a.UploadedAt.Equal(f.clock.Now()))

		got, err := f.store.GetByID(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "AAAAAAAA", got.ShortID)
		assert.Equal(t, "AAAAAAAA.png", got.OriginalName)
		require.NotNil(t, got.Width)
		assert.Equal(t, 10, *got.Width)

		got, err = f.store.GetByShortID(ctx, "BBBBBBBB")
		require.NoError(t, err)
		assert.Equal(t, b.ID, got.ID)

		_, err = f.store.GetByShortID(ctx, "missing0")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = f.store.GetByID(ctx, 9999)
		assert.ErrorIs(t, err, ErrNotFound)

		exists, err := f.store.ShortIDExists(ctx, "AAAAAAAA")
		require.NoError(t, err)
		assert.True(t, exists)
		exists, err = f.store.ShortIDExists(ctx, "ZZZZZZZZ")
		require.NoError(t, err)
		assert.False(t, exists)

		_, err = f.store.CreateImage(ctx, models.NewImage{ShortID: "AAAAAAAA", Filename: "x.png", MimeType: "image/png"})
		assert.ErrorIs(t, err, ErrDuplicateShortID)
	})
}

func TestStore_ListNewestFirst(t *testing.T) {
	forEachBackend(t, func(t *testing.T, factory storeFactory) {
		f := newFixture(t, factory, 0)

		a := f.add(t, "first___")
		f.clock.Advance(time.Second)
		b := f.add(t, "second__")
		c := f.add(t, "third___") // same timestamp as b, higher id

		list, err := f.store.List(context.Background())
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, []int64{c.ID, b.ID, a.ID}, []int64{list[0].ID, list[1].ID, list[2].ID})
	})
}

func TestStore_SetExpiration(t *testing.T) {
	forEachBackend(t, func(t *testing.T, factory storeFactory) {
		ctx := context.Background()
		f := newFixture(t, factory, 0)
		img := f.add(t, "expire__")

		for _, days := range []int{0, -1, 366} {
			ok, err := f.store.SetExpiration(ctx, img.ID, days)
			assert.ErrorIs(t, err, ErrInvalidDays, "days=%d", days)
			assert.False(t, ok)
		}

		ok, err := f.store.SetExpiration(ctx, 4242, 1)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = f.store.SetExpiration(ctx, img.ID, 365)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = f.store.SetExpiration(ctx, img.ID, 1)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := f.store.GetByID(ctx, img.ID)
		require.NoError(t, err)
		require.NotNil(t, got.ExpiresAt)
		assert.WithinDuration(t, f.clock.Now().Add(24*time.Hour), *got.ExpiresAt, time.Millisecond)
	})
}

func TestStore_DeleteExpiredIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, factory storeFactory) {
		ctx := context.Background()
		f := newFixture(t, factory, 0)
		old := f.add(t, "old_____")
		keep := f.add(t, "keep____")
		forever := f.add(t, "forever_")

		_, err := f.store.SetExpiration(ctx, old.ID, 1)
		require.NoError(t, err)
		_, err = f.store.SetExpiration(ctx, keep.ID, 3)
		require.NoError(t, err)

		n, err := f.store.DeleteExpired(ctx, f.clock.Now())
		require.NoError(t, err)
		assert.Zero(t, n)

		// expiry exactly at now counts as expired
		f.clock.Advance(24 * time.Hour)
		n, err = f.store.DeleteExpired(ctx, f.clock.Now())
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = f.store.DeleteExpired(ctx, f.clock.Now())
		require.NoError(t, err)
		assert.Zero(t, n)

		_, err = f.store.GetByID(ctx, old.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = f.blobs.Get(ctx, old.Filename)
		assert.ErrorIs(t, err, ErrBlobNotFound)

		list, err := f.store.List(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 2)
		_, err = f.store.GetByID(ctx, forever.ID)
		assert.NoError(t, err)
	})
}

func TestStore_DeleteRemovesBytes(t *testing.T) {
	forEachBackend(t, func(t *testing.T, factory storeFactory) {
		ctx := context.Background()
		f := newFixture(t, factory, 0)
		img := f.add(t, "delete__")

		data, err := f.store.ReadContent(ctx, img)
		require.NoError(t, err)
		assert.Equal(t, []byte("bytes-delete__"), data)

		ok, err := f.store.Delete(ctx, img.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = f.store.Delete(ctx, img.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = f.store.ReadContent(ctx, img)
		assert.ErrorIs(t, err, ErrNotFound)
		exists, err := f.store.ShortIDExists(ctx, img.ShortID)
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestStore_DeleteWithMissingBytes(t *testing.T) {
	forEachBackend(t, func(t *testing.T, factory storeFactory) {
		ctx := context.Background()
		f := newFixture(t, factory, 0)
		img := f.add(t, "nobytes_")
		require.NoError(t, f.blobs.Delete(ctx, img.Filename))

		_, err := f.store.ReadContent(ctx, img)
		assert.ErrorIs(t, err, ErrNotFound)

		ok, err := f.store.Delete(ctx, img.ID)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestStore_DefaultExpiry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, factory storeFactory) {
		f := newFixture(t, factory, 5)
		img := f.add(t, "default_")
		require.NotNil(t, img.ExpiresAt)
		assert.WithinDuration(t, img.UploadedAt.Add(5*24*time.Hour), *img.ExpiresAt, time.Millisecond)
	})
}

func TestMemoryStore_ConcurrentCreate(t *testing.T) {
	store, _ := memoryFactory(t, Options{})
	mem := store.(*MemoryStore)

	var wg sync.WaitGroup
	ids := make(chan int64, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			img, err := mem.CreateImage(context.Background(), models.NewImage{
				ShortID:  fmt.Sprintf("c%07d", i),
				Filename: fmt.Sprintf("f%d.png", i),
				MimeType: "image/png",
			})
			if assert.NoError(t, err) {
				ids <- img.ID
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := map[int64]bool{}
	for id := range ids {
		assert.False(t, seen[id], "id %d reused", id)
		seen[id] = true
	}
	assert.Equal(t, 50, mem.Len())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store, _ := memoryFactory(t, Options{})
	ctx := context.Background()
	img, err := store.CreateImage(ctx, models.NewImage{ShortID: "copy____", Filename: "c.png", MimeType: "image/png", Width: models.IntPtr(5)})
	require.NoError(t, err)

	*img.Width = 999
	got, err := store.GetByID(ctx, img.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, *got.Width)
}

func TestRedisStore_SweepRemovesCorruptRecords(t *testing.T) {
	client := newMiniRedis(t)
	clock := newTestClock()
	blobs := NewRedisBlobStore(client, "test:")
	store := NewRedisStore(client, "test:", blobs, Options{Now: clock.Now})
	ctx := context.Background()

	good, err := store.CreateImage(ctx, models.NewImage{ShortID: "good____", Filename: "g.png", MimeType: "image/png"})
	require.NoError(t, err)

	require.NoError(t, client.Set(ctx, "test:image:99", "{not json", 0).Err())
	require.NoError(t, client.Set(ctx, "test:short:broken__", 99, 0).Err())
	require.NoError(t, client.HSet(ctx, "test:image:shorts", "99", "broken__").Err())
	require.NoError(t, client.ZAdd(ctx, "test:images", redis.Z{Score: 1, Member: 99}).Err())
	require.NoError(t, client.ZAdd(ctx, "test:images", redis.Z{Score: 2, Member: 100}).Err())

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, good.ID, list[0].ID)

	n, err := store.DeleteExpired(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	members, err := client.ZRange(ctx, "test:images", 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{fmt.Sprint(good.ID)}, members)

	taken, err := store.ShortIDExists(ctx, "broken__")
	require.NoError(t, err)
	assert.False(t, taken, "short id of a corrupt record is released")
	taken, err = store.ShortIDExists(ctx, good.ShortID)
	require.NoError(t, err)
	assert.True(t, taken)
	_, err = store.CreateImage(ctx, models.NewImage{ShortID: "broken__", Filename: "b.png", MimeType: "image/png"})
	assert.NoError(t, err)
}
