package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/rhizocam/internal/apperr"
	"github.com/starford/rhizocam/internal/models"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	f, err := os.CreateTemp("", "rhizocam-store-test-*.db")
	require.NoError(t, err)
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	db, err := Open(f.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

var t0 = time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)

func sampleImage(id string) *models.ImageRecord {
	return &models.ImageRecord{
		MessageIdentifier: id,
		CameraIdentifier:  "cam-1",
		TakenAt:           t0,
		SentAt:            t0.Add(time.Second),
		ReceivedAt:        t0.Add(2 * time.Second),
		Path:              "images/cam-1/" + id + ".jpg@v1",
		RhizotronNumber:   4,
		SourcePath:        "/mnt/sd/img.jpg",
	}
}

func TestSchemaCreation(t *testing.T) {
	db := testDB(t)
	var count int
	require.NoError(t, db.conn.QueryRow(`SELECT count(*) FROM images`).Scan(&count))
	require.NoError(t, db.conn.QueryRow(`SELECT count(*) FROM files`).Scan(&count))

	version, dirty, err := db.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)
}

func TestMigrateDownAndUp(t *testing.T) {
	db := testDB(t)
	require.NoError(t, db.MigrateDown(1))

	version, _, err := db.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	_, err = db.conn.Exec(`SELECT count(*) FROM files`)
	assert.Error(t, err, "files table should be gone")

	require.NoError(t, db.MigrateUp())
	version, _, err = db.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
}

func TestInsertAndGetImage(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	img := sampleImage("m-100")

	inserted, err := db.InsertImage(ctx, img)
	require.NoError(t, err)
	assert.True(t, inserted)

	got, err := db.GetImage(ctx, "m-100")
	require.NoError(t, err)
	assert.Equal(t, img, got)

	exists, err := db.ImageExists(ctx, "m-100")
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = db.GetImage(ctx, "missing")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestInsertImageIsInsertIfAbsent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	inserted, err := db.InsertImage(ctx, sampleImage("dup"))
	require.NoError(t, err)
	require.True(t, inserted)

	second := sampleImage("dup")
	second.CameraIdentifier = "cam-2"
	inserted, err = db.InsertImage(ctx, second)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := db.GetImage(ctx, "dup")
	require.NoError(t, err)
	assert.Equal(t, "cam-1", got.CameraIdentifier, "first write wins, rows are never mutated")

	err = db.Insert(ctx, sampleImage("dup"))
	assert.True(t, errors.Is(err, apperr.ErrAlreadyExists))
}

func TestConcurrentConditionalInsert(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := db.InsertImage(ctx, sampleImage("race"))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	n, err := db.CountImages(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInsertImageSchemaViolation(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	cases := map[string]func(r *models.ImageRecord){
		"no camera":        func(r *models.ImageRecord) { r.CameraIdentifier = "" },
		"no taken at":      func(r *models.ImageRecord) { r.TakenAt = time.Time{} },
		"negative number":  func(r *models.ImageRecord) { r.RhizotronNumber = -1 },
		"unversioned path": func(r *models.ImageRecord) { r.Path = "images/cam-1/x.jpg" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			r := sampleImage("bad-" + name)
			mutate(r)
			_, err := db.InsertImage(ctx, r)
			assert.True(t, errors.Is(err, apperr.ErrSchemaViolation), "got %v", err)
		})
	}

	n, err := db.CountImages(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInsertRowChecksKinds(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	row := Row{
		"messageIdentifier": "row-1",
		"cameraIdentifier":  "cam-9",
		"takenAt":           t0,
		"sentAt":            t0,
		"receivedAt":        t0,
		"path":              "images/cam-9/row-1.jpg@v1",
		"rhizotronNumber":   float64(2),
	}
	require.NoError(t, db.InsertRow(ctx, CollectionImages, row))

	got, err := db.Get(ctx, CollectionImages, "row-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.(*models.ImageRecord).RhizotronNumber)

	bad := []Row{
		{"messageIdentifier": 7},
		withValue(row, "rhizotronNumber", "two"),
		withValue(row, "takenAt", "2024-01-01"),
		withValue(row, "rhizotronNumber", 2.5),
		withValue(row, "colour", "red"),
	}
	for i, r := range bad {
		err := db.InsertRow(ctx, CollectionImages, r)
		assert.True(t, errors.Is(err, apperr.ErrSchemaViolation), "case %d: %v", i, err)
	}

	err = db.InsertRow(ctx, "videos", row)
	assert.True(t, errors.Is(err, apperr.ErrSchemaViolation))
}

func withValue(row Row, key string, v any) Row {
	out := make(Row, len(row))
	for k, val := range row {
		out[k] = val
	}
	out[key] = v
	return out
}

func TestUpsertFileVersions(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	rec := func(v int) *models.FileRecord {
		sp := models.StoredPath{Path: "docs/a.csv", Version: v}
		return &models.FileRecord{
			Path:        "docs/a.csv",
			File:        sp.String(),
			FileVersion: sp.Tag(),
			Checksum:    fmt.Sprintf("sum-%d", v),
			Size:        int64(v),
			ContentType: "text/csv",
			UpdatedAt:   t0.Add(time.Duration(v) * time.Minute),
		}
	}

	applied, err := db.UpsertFile(ctx, rec(1))
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = db.UpsertFile(ctx, rec(3))
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = db.UpsertFile(ctx, rec(2))
	require.NoError(t, err)
	assert.False(t, applied, "older versions never replace newer ones")

	got, err := db.GetFile(ctx, "docs/a.csv")
	require.NoError(t, err)
	assert.Equal(t, "v3", got.FileVersion)
	assert.Equal(t, "docs/a.csv@v3", got.File)

	sums, err := db.FileChecksums(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"docs/a.csv": "sum-3"}, sums)

	exists, err := db.Exists(ctx, CollectionFiles, "docs/a.csv")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestUpsertFileSchemaViolation(t *testing.T) {
	db := testDB(t)
	_, err := db.UpsertFile(context.Background(), &models.FileRecord{Path: "x", File: "x@v1", FileVersion: "1"})
	assert.True(t, errors.Is(err, apperr.ErrSchemaViolation))
}

func TestListImagesFilterAndOrder(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r := sampleImage(fmt.Sprintf("m-%d", i))
		r.ReceivedAt = t0.Add(time.Duration(i) * time.Minute)
		if i%2 == 1 {
			r.CameraIdentifier = "cam-2"
		}
		_, err := db.InsertImage(ctx, r)
		require.NoError(t, err)
	}

	all, err := db.ListImages(ctx, models.ImageFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "m-4", all[0].MessageIdentifier)

	cam2, err := db.ListImages(ctx, models.ImageFilter{CameraIdentifier: "cam-2"})
	require.NoError(t, err)
	require.Len(t, cam2, 2)
	assert.Equal(t, "m-3", cam2[0].MessageIdentifier)

	page, err := db.ListImages(ctx, models.ImageFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m-2", page[0].MessageIdentifier)

	n, err := db.CountImages(ctx, "cam-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestGenericUnknownCollection(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	_, err := db.Get(ctx, "videos", "x")
	assert.True(t, errors.Is(err, apperr.ErrSchemaViolation))
	_, err = db.Exists(ctx, "videos", "x")
	assert.True(t, errors.Is(err, apperr.ErrSchemaViolation))
	assert.True(t, errors.Is(db.Insert(ctx, "nope"), apperr.ErrSchemaViolation))
}
