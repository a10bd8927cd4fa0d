package integrationtests

import (
	"bytes"
	"context"
	"testing"
	"time"

	"aide-backend/internal/database"
	"aide-backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestS3ProviderAgainstMinio(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	minioUrl := setupMinioContainer(t, ctx)

	provider, err := storage.NewS3Provider(&storage.S3ProviderConfig{
		S3EndpointURL:     minioUrl,
		S3AccessKeyID:     minioUsername,
		S3SecretAccessKey: minioPassword,
	})
	require.NoError(t, err)

	require.NoError(t, provider.CreateBucket(ctx, dataBucket))
	// Creating an existing bucket must not error.
	require.NoError(t, provider.CreateBucket(ctx, dataBucket))

	require.NoError(t, provider.PutObject(ctx, dataBucket, "proj/a.jpg", bytes.NewReader([]byte("image-a"))))
	require.NoError(t, provider.PutObject(ctx, dataBucket, "proj/b.jpg", bytes.NewReader([]byte("image-b"))))
	require.NoError(t, provider.PutObject(ctx, dataBucket, "other/c.jpg", bytes.NewReader([]byte("image-c"))))

	data, err := provider.GetObject(ctx, dataBucket, "proj/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("image-a"), data)

	objects, err := provider.ListObjects(ctx, dataBucket, "proj/")
	require.NoError(t, err)
	names := make([]string, 0, len(objects))
	for _, obj := range objects {
		names = append(names, obj.Name)
	}
	assert.ElementsMatch(t, []string{"proj/a.jpg", "proj/b.jpg"}, names)

	require.NoError(t, provider.DeleteObjects(ctx, dataBucket, "proj/"))

	objects, err = provider.ListObjects(ctx, dataBucket, "proj/")
	require.NoError(t, err)
	assert.Empty(t, objects)

	_, err = provider.GetObject(ctx, dataBucket, "proj/a.jpg")
	assert.Error(t, err)
}

func TestMigrationsAgainstPostgres(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	uri := setupPostgresContainer(t, ctx)

	db, err := database.NewDatabase(uri)
	require.NoError(t, err)

	createProject(t, db, "pg-project", "cat", "dog")
	imageIds := createImages(t, db, "pg-project", 2)

	var count int64
	require.NoError(t, db.Model(&database.Image{}).Where("project = ?", "pg-project").Count(&count).Error)
	assert.EqualValues(t, len(imageIds), count)

	// Migrations are idempotent on an already migrated database.
	require.NoError(t, database.GetMigrator(db).Migrate())
}
