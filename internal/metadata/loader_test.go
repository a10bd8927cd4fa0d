package metadata

import (
	"context"
	"testing"
	"time"

	"aide-backend/internal/database"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.GetMigrator(db).Migrate())
	return db
}

func createProject(t *testing.T, db *gorm.DB, annotationType string, bandConfig, renderConfig []byte) {
	require.NoError(t, db.Create(&database.Project{
		Shortname:      "proj",
		Name:           "Test Project",
		AnnotationType: annotationType,
		PredictionType: annotationType,
		BandConfig:     bandConfig,
		RenderConfig:   renderConfig,
		CreationTime:   time.Now().UTC(),
	}).Error)
}

func TestLoadMalformedConfigFallsBackToDefaults(t *testing.T) {
	db := newTestDB(t)
	createProject(t, db, database.AnnotationLabels, []byte(`{not json`), []byte(`also not json`))

	meta, err := Load(context.Background(), db, "proj", []uuid.UUID{}, false, uuid.NullUUID{})
	require.NoError(t, err)

	assert.Equal(t, DefaultBandConfig(), meta.BandConfig)
	assert.Equal(t, DefaultRenderConfig(), meta.RenderConfig)
}

func TestLoadParsesProjectConfig(t *testing.T) {
	db := newTestDB(t)
	createProject(t, db, database.AnnotationLabels,
		[]byte(`["NIR", "Red", "Green"]`),
		[]byte(`{"bands": {"red": 1, "green": 2, "blue": 0}, "grayscale": true, "brightness": 0.8, "contrast": 1.2}`))

	meta, err := Load(context.Background(), db, "proj", []uuid.UUID{}, false, uuid.NullUUID{})
	require.NoError(t, err)

	assert.Equal(t, BandConfig{"NIR", "Red", "Green"}, meta.BandConfig)
	assert.Equal(t, RenderBands{Red: 1, Green: 2, Blue: 0}, meta.RenderConfig.Bands)
	assert.True(t, meta.RenderConfig.Grayscale)
}

func TestLoadRemapsLabelClassesThroughCorrespondence(t *testing.T) {
	db := newTestDB(t)
	createProject(t, db, database.AnnotationLabels, nil, nil)

	catId, dogId := uuid.New(), uuid.New()
	require.NoError(t, db.Create(&database.LabelClass{Id: catId, Project: "proj", Name: "cat", Idx: 0}).Error)
	require.NoError(t, db.Create(&database.LabelClass{Id: dogId, Project: "proj", Name: "dog", Idx: 1}).Error)

	originId := uuid.New()
	require.NoError(t, db.Create(&database.ModelClassCorrespondence{
		MarketplaceId: originId,
		ModelClass:    "felidae",
		LabelClassId:  catId,
	}).Error)

	// Without an origin id no remapping happens.
	meta, err := Load(context.Background(), db, "proj", []uuid.UUID{}, false, uuid.NullUUID{})
	require.NoError(t, err)
	assert.Empty(t, meta.LabelClasses[catId].ModelClass)

	meta, err = Load(context.Background(), db, "proj", []uuid.UUID{}, false, uuid.NullUUID{UUID: originId, Valid: true})
	require.NoError(t, err)
	require.Len(t, meta.LabelClasses, 2)
	assert.Equal(t, "felidae", meta.LabelClasses[catId].ModelClass)
	assert.Empty(t, meta.LabelClasses[dogId].ModelClass)
}

func TestLoadNilImageIDsSelectsAnnotatedImages(t *testing.T) {
	db := newTestDB(t)
	createProject(t, db, database.AnnotationBoxes, nil, nil)

	annotated, bare := uuid.New(), uuid.New()
	require.NoError(t, db.Create(&database.Image{Id: annotated, Project: "proj", Filename: "a.jpg"}).Error)
	require.NoError(t, db.Create(&database.Image{Id: bare, Project: "proj", Filename: "b.jpg"}).Error)

	x, y, w, h := 1.0, 2.0, 3.0, 4.0
	require.NoError(t, db.Create(&database.Annotation{
		Id: uuid.New(), Project: "proj", ImageId: annotated,
		X: &x, Y: &y, Width: &w, Height: &h,
	}).Error)

	meta, err := Load(context.Background(), db, "proj", nil, true, uuid.NullUUID{})
	require.NoError(t, err)

	require.Len(t, meta.Images, 1)
	img, ok := meta.Images[annotated]
	require.True(t, ok)
	require.Len(t, img.Annotations, 1)
	require.NotNil(t, img.Annotations[0].Width)
	assert.Equal(t, 3.0, *img.Annotations[0].Width)
}

func TestLoadRestrictsToGivenImageIDs(t *testing.T) {
	db := newTestDB(t)
	createProject(t, db, database.AnnotationLabels, nil, nil)

	wanted, other := uuid.New(), uuid.New()
	require.NoError(t, db.Create(&database.Image{Id: wanted, Project: "proj", Filename: "a.jpg"}).Error)
	require.NoError(t, db.Create(&database.Image{Id: other, Project: "proj", Filename: "b.jpg"}).Error)

	meta, err := Load(context.Background(), db, "proj", []uuid.UUID{wanted}, false, uuid.NullUUID{})
	require.NoError(t, err)

	require.Len(t, meta.Images, 1)
	_, ok := meta.Images[wanted]
	assert.True(t, ok)
}

func TestLoadImageWindow(t *testing.T) {
	db := newTestDB(t)
	createProject(t, db, database.AnnotationLabels, nil, nil)

	windowed, plain := uuid.New(), uuid.New()
	x, y, w, h := 10, 20, 100, 200
	require.NoError(t, db.Create(&database.Image{
		Id: windowed, Project: "proj", Filename: "a.jpg",
		X: &x, Y: &y, Width: &w, Height: &h,
	}).Error)
	require.NoError(t, db.Create(&database.Image{Id: plain, Project: "proj", Filename: "b.jpg"}).Error)

	meta, err := Load(context.Background(), db, "proj", []uuid.UUID{windowed, plain}, false, uuid.NullUUID{})
	require.NoError(t, err)

	require.NotNil(t, meta.Images[windowed].Window)
	assert.Equal(t, Window{X: 10, Y: 20, Width: 100, Height: 200}, *meta.Images[windowed].Window)
	assert.Nil(t, meta.Images[plain].Window)
}

func TestLoadUnknownProjectFails(t *testing.T) {
	db := newTestDB(t)

	_, err := Load(context.Background(), db, "missing", nil, false, uuid.NullUUID{})
	assert.Error(t, err)
}

func TestLoadUnknownAnnotationTypeFails(t *testing.T) {
	db := newTestDB(t)
	createProject(t, db, "voxels", nil, nil)

	imageId := uuid.New()
	require.NoError(t, db.Create(&database.Image{Id: imageId, Project: "proj", Filename: "a.jpg"}).Error)

	_, err := Load(context.Background(), db, "proj", []uuid.UUID{imageId}, true, uuid.NullUUID{})
	assert.Error(t, err)
}
