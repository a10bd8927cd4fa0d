package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"aide-backend/internal/database"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BandConfig names the semantics of each image channel, in band order.
type BandConfig []string

type RenderBands struct {
	Red   int `json:"red"`
	Green int `json:"green"`
	Blue  int `json:"blue"`
}

type RenderConfig struct {
	Bands      RenderBands `json:"bands"`
	Grayscale  bool        `json:"grayscale"`
	Brightness float64     `json:"brightness"`
	Contrast   float64     `json:"contrast"`
}

func DefaultBandConfig() BandConfig {
	return BandConfig{"Red", "Green", "Blue"}
}

func DefaultRenderConfig() RenderConfig {
	return RenderConfig{Bands: RenderBands{Red: 0, Green: 1, Blue: 2}, Brightness: 1.0, Contrast: 1.0}
}

type LabelClass struct {
	Name string
	Idx  int

	// ModelClass is the class label the originating marketplace model uses
	// for this label class. Empty unless the metadata was loaded with a model
	// origin id that has a registered correspondence.
	ModelClass string
}

type Window struct {
	X      int
	Y      int
	Width  int
	Height int
}

type Annotation struct {
	Id           uuid.UUID
	LabelClassId uuid.NullUUID

	X      *float64
	Y      *float64
	Width  *float64
	Height *float64

	Coordinates []float64

	Segmentationmask string
	MaskWidth        *int
	MaskHeight       *int

	Unsure bool
}

type Image struct {
	Filename    string
	Window      *Window
	Annotations []Annotation
}

// TaskMetadata is the input bundle for one task invocation. It is built fresh
// per task call and never persisted.
type TaskMetadata struct {
	Project        string
	AnnotationType string
	PredictionType string

	LabelClasses map[uuid.UUID]LabelClass
	Images       map[uuid.UUID]Image

	BandConfig   BandConfig
	RenderConfig RenderConfig
}

// annotationFields is the fixed per-annotation-type column set the loader
// fetches. Columns outside the project's geometry type are never read.
var annotationFields = map[string][]string{
	database.AnnotationLabels:   {"id", "image_id", "label_class_id", "unsure"},
	database.AnnotationPoints:   {"id", "image_id", "label_class_id", "unsure", "x", "y"},
	database.AnnotationBoxes:    {"id", "image_id", "label_class_id", "unsure", "x", "y", "width", "height"},
	database.AnnotationPolygons: {"id", "image_id", "label_class_id", "unsure", "coordinates"},
	database.AnnotationSegMasks: {"id", "image_id", "label_class_id", "unsure", "segmentationmask", "mask_width", "mask_height"},
}

// Load assembles the metadata bundle for a task. imageIDs == nil selects the
// project's full annotated image set (used by model updates, which scan all
// labeled data). Any database error aborts the load; malformed band/render
// configuration does not, it falls back to system defaults instead.
func Load(ctx context.Context, db *gorm.DB, project string, imageIDs []uuid.UUID, loadAnnotations bool, originID uuid.NullUUID) (*TaskMetadata, error) {
	var proj database.Project
	if err := db.WithContext(ctx).First(&proj, "shortname = ?", project).Error; err != nil {
		return nil, fmt.Errorf("error loading project %s: %w", project, err)
	}

	meta := &TaskMetadata{
		Project:        project,
		AnnotationType: proj.AnnotationType,
		PredictionType: proj.PredictionType,
		LabelClasses:   make(map[uuid.UUID]LabelClass),
		Images:         make(map[uuid.UUID]Image),
		BandConfig:     parseBandConfig(project, proj.BandConfig),
		RenderConfig:   parseRenderConfig(project, proj.RenderConfig),
	}

	if err := loadLabelClasses(ctx, db, project, originID, meta); err != nil {
		return nil, err
	}

	if err := loadImages(ctx, db, project, imageIDs, loadAnnotations, meta); err != nil {
		return nil, err
	}

	if loadAnnotations {
		if err := attachAnnotations(ctx, db, project, proj.AnnotationType, meta); err != nil {
			return nil, err
		}
	}

	return meta, nil
}

func parseBandConfig(project string, raw []byte) BandConfig {
	if len(raw) == 0 {
		return DefaultBandConfig()
	}
	var cfg BandConfig
	if err := json.Unmarshal(raw, &cfg); err != nil || len(cfg) == 0 {
		slog.Warn("invalid band config, using defaults", "project", project, "error", err)
		return DefaultBandConfig()
	}
	return cfg
}

func parseRenderConfig(project string, raw []byte) RenderConfig {
	if len(raw) == 0 {
		return DefaultRenderConfig()
	}
	var cfg RenderConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		slog.Warn("invalid render config, using defaults", "project", project, "error", err)
		return DefaultRenderConfig()
	}
	return cfg
}

func loadLabelClasses(ctx context.Context, db *gorm.DB, project string, originID uuid.NullUUID, meta *TaskMetadata) error {
	var classes []database.LabelClass
	if err := db.WithContext(ctx).Where("project = ?", project).Find(&classes).Error; err != nil {
		return fmt.Errorf("error loading label classes for project %s: %w", project, err)
	}

	modelClasses := make(map[uuid.UUID]string)
	if originID.Valid {
		var rows []database.ModelClassCorrespondence
		if err := db.WithContext(ctx).Where("marketplace_id = ?", originID.UUID).Find(&rows).Error; err != nil {
			return fmt.Errorf("error loading class correspondences for origin %s: %w", originID.UUID, err)
		}
		for _, row := range rows {
			modelClasses[row.LabelClassId] = row.ModelClass
		}
	}

	for _, class := range classes {
		meta.LabelClasses[class.Id] = LabelClass{
			Name:       class.Name,
			Idx:        class.Idx,
			ModelClass: modelClasses[class.Id],
		}
	}
	return nil
}

func loadImages(ctx context.Context, db *gorm.DB, project string, imageIDs []uuid.UUID, annotatedOnly bool, meta *TaskMetadata) error {
	query := db.WithContext(ctx).Where("project = ?", project)
	if imageIDs != nil {
		query = query.Where("id IN ?", imageIDs)
	} else if annotatedOnly {
		query = query.Where("id IN (?)", db.Model(&database.Annotation{}).Select("image_id").Where("project = ?", project))
	}

	var images []database.Image
	if err := query.Find(&images).Error; err != nil {
		return fmt.Errorf("error loading images for project %s: %w", project, err)
	}

	for _, img := range images {
		entry := Image{Filename: img.Filename}
		if img.X != nil && img.Y != nil && img.Width != nil && img.Height != nil {
			entry.Window = &Window{X: *img.X, Y: *img.Y, Width: *img.Width, Height: *img.Height}
		}
		meta.Images[img.Id] = entry
	}
	return nil
}

func attachAnnotations(ctx context.Context, db *gorm.DB, project, annotationType string, meta *TaskMetadata) error {
	fields, ok := annotationFields[annotationType]
	if !ok {
		return fmt.Errorf("unknown annotation type %q for project %s", annotationType, project)
	}

	if len(meta.Images) == 0 {
		return nil
	}

	imageIDs := make([]uuid.UUID, 0, len(meta.Images))
	for id := range meta.Images {
		imageIDs = append(imageIDs, id)
	}

	var rows []database.Annotation
	if err := db.WithContext(ctx).Select(fields).Where("project = ? AND image_id IN ?", project, imageIDs).Find(&rows).Error; err != nil {
		return fmt.Errorf("error loading annotations for project %s: %w", project, err)
	}

	for _, row := range rows {
		anno := Annotation{
			Id:               row.Id,
			LabelClassId:     row.LabelClassId,
			X:                row.X,
			Y:                row.Y,
			Width:            row.Width,
			Height:           row.Height,
			Segmentationmask: row.Segmentationmask,
			MaskWidth:        row.MaskWidth,
			MaskHeight:       row.MaskHeight,
			Unsure:           row.Unsure,
		}
		if len(row.Coordinates) > 0 {
			if err := json.Unmarshal(row.Coordinates, &anno.Coordinates); err != nil {
				slog.Warn("invalid polygon coordinates, skipping geometry", "annotation_id", row.Id, "error", err)
			}
		}

		img := meta.Images[row.ImageId]
		img.Annotations = append(img.Annotations, anno)
		meta.Images[row.ImageId] = img
	}
	return nil
}
