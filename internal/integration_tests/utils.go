package integrationtests

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"aide-backend/internal/database"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/minio"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const dataBucket = "test-data"

func createDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, database.GetMigrator(db).Migrate())

	return db
}

func createProject(t *testing.T, db *gorm.DB, shortname string, labelNames ...string) []uuid.UUID {
	require.NoError(t, db.Create(&database.Project{
		Shortname:           shortname,
		Name:                shortname,
		AnnotationType:      database.AnnotationLabels,
		PredictionType:      database.AnnotationLabels,
		DefaultModelLibrary: "labelclass_prior",
		DefaultAlCriterion:  "breaking_ties",
		CreationTime:        time.Now().UTC(),
	}).Error)

	classIds := make([]uuid.UUID, len(labelNames))
	for i, name := range labelNames {
		classIds[i] = uuid.New()
		require.NoError(t, db.Create(&database.LabelClass{
			Id:      classIds[i],
			Project: shortname,
			Name:    name,
			Idx:     i,
		}).Error)
	}
	return classIds
}

func createImages(t *testing.T, db *gorm.DB, project string, count int) []uuid.UUID {
	imageIds := make([]uuid.UUID, count)
	for i := range imageIds {
		imageIds[i] = uuid.New()
		require.NoError(t, db.Create(&database.Image{
			Id:           imageIds[i],
			Project:      project,
			Filename:     fmt.Sprintf("image-%d.jpg", i),
			CreationTime: time.Now().UTC(),
		}).Error)
	}
	return imageIds
}

func annotate(t *testing.T, db *gorm.DB, project string, imageId, classId uuid.UUID) {
	require.NoError(t, db.Create(&database.Annotation{
		Id:           uuid.New(),
		Project:      project,
		ImageId:      imageId,
		LabelClassId: uuid.NullUUID{UUID: classId, Valid: true},
		CreationTime: time.Now().UTC(),
	}).Error)
}

func httpRequest(api http.Handler, method, endpoint string, payload any, dest any) error {
	var body io.Reader
	if payload != nil {
		requestBody, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(requestBody)
	}

	req := httptest.NewRequest(method, endpoint, body)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	api.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		return fmt.Errorf("expected status code 200, got %d: %v", rr.Code, rr.Body.String())
	}

	if dest != nil {
		if err := json.Unmarshal(rr.Body.Bytes(), dest); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}

const (
	minioUsername = "admin"
	minioPassword = "password"
)

func setupMinioContainer(t *testing.T, ctx context.Context) string {
	minioContainer, err := minio.Run(
		ctx,
		"minio/minio:RELEASE.2024-01-16T16-07-38Z",
		minio.WithUsername(minioUsername),
		minio.WithPassword(minioPassword),
	)
	require.NoError(t, err, "Failed to start MinIO container")

	t.Cleanup(func() {
		err := minioContainer.Terminate(context.Background())
		require.NoError(t, err, "Failed to terminate MinIO container")
	})

	connStr, err := minioContainer.ConnectionString(ctx)
	require.NoError(t, err, "Failed to get MinIO connection string")

	return "http://" + connStr
}

func setupPostgresContainer(t *testing.T, ctx context.Context) string {
	dbName, dbUser, dbPassword := "test_db", "test_user", "test_password"

	postgresContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")

	t.Cleanup(func() {
		err := postgresContainer.Terminate(context.Background())
		require.NoError(t, err, "Failed to terminate PostgreSQL container")
	})

	connStr, err := postgresContainer.ConnectionString(ctx)
	require.NoError(t, err, "Failed to get PostgreSQL connection string")

	return connStr
}
