package core

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"aide-backend/internal/database"
	"aide-backend/internal/metadata"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// predictionFields mirrors the loader's per-geometry field sets: a prediction
// row only ever carries the columns its project's prediction type defines,
// everything else stays null.
type geometryMask struct {
	point   bool
	box     bool
	polygon bool
	mask    bool
}

var predictionGeometry = map[string]geometryMask{
	database.AnnotationLabels:   {},
	database.AnnotationPoints:   {point: true},
	database.AnnotationBoxes:    {point: true, box: true},
	database.AnnotationPolygons: {polygon: true},
	database.AnnotationSegMasks: {mask: true},
}

// AssembledResults is the database-ready form of one model output batch.
type AssembledResults struct {
	Predictions    []database.Prediction
	FeatureVectors []database.FeatureVector
}

// AssembleResults converts raw model outputs into prediction and feature
// vector rows for one inference pass. Confidence and priority values are
// reduced to scalars (mean over array values, ignoring NaN); a prediction with
// no explicit priority inherits its confidence as priority. Unknown label
// class ids are dropped to null rather than failing the batch.
func AssembleResults(meta *metadata.TaskMetadata, stateId uuid.UUID, outputs map[uuid.UUID]ImageOutput) (*AssembledResults, error) {
	geom, ok := predictionGeometry[meta.PredictionType]
	if !ok {
		return nil, fmt.Errorf("unknown prediction type %q for project %s", meta.PredictionType, meta.Project)
	}

	results := &AssembledResults{}
	now := time.Now().UTC()

	for imageId, output := range outputs {
		if _, ok := meta.Images[imageId]; !ok {
			slog.Warn("model returned output for unknown image, skipping", "project", meta.Project, "image_id", imageId)
			continue
		}

		for _, raw := range output.Predictions {
			row, err := assemblePrediction(meta, geom, stateId, imageId, raw, now)
			if err != nil {
				return nil, err
			}
			results.Predictions = append(results.Predictions, row)
		}

		if len(output.FVec) > 0 {
			results.FeatureVectors = append(results.FeatureVectors, database.FeatureVector{
				ImageId:    imageId,
				Project:    meta.Project,
				CnnStateId: stateId,
				Vector:     output.FVec,
			})
		}
	}

	return results, nil
}

func assemblePrediction(meta *metadata.TaskMetadata, geom geometryMask, stateId, imageId uuid.UUID, raw RawPrediction, now time.Time) (database.Prediction, error) {
	row := database.Prediction{
		Id:          uuid.New(),
		Project:     meta.Project,
		ImageId:     imageId,
		CnnStateId:  stateId,
		TimeCreated: now,
	}

	if raw.LabelClassId.Valid {
		if _, known := meta.LabelClasses[raw.LabelClassId.UUID]; known {
			row.LabelClassId = raw.LabelClassId
		} else {
			slog.Warn("prediction references unknown label class, storing without class",
				"project", meta.Project, "label_class_id", raw.LabelClassId.UUID)
		}
	}

	if mean, ok := raw.Confidence.Mean(); ok {
		row.Confidence = &mean
	}
	if mean, ok := raw.Priority.Mean(); ok {
		row.Priority = &mean
	} else if raw.Priority.Empty() {
		// Unranked predictions fall back to confidence so the labeling
		// interface always has a sort key. A priority that was set but did
		// not reduce to a number stays null instead.
		row.Priority = row.Confidence
	}

	if geom.point {
		row.X, row.Y = raw.X, raw.Y
	}
	if geom.box {
		row.Width, row.Height = raw.Width, raw.Height
	}
	if geom.polygon && len(raw.Coordinates) > 0 {
		coords, err := json.Marshal(raw.Coordinates)
		if err != nil {
			return database.Prediction{}, fmt.Errorf("error encoding polygon coordinates: %w", err)
		}
		row.Coordinates = coords
	}
	if geom.mask && raw.Mask != nil {
		encoded, err := encodeSegmentationMask(raw.Mask)
		if err != nil {
			return database.Prediction{}, err
		}
		row.Segmentationmask = encoded
		width, height := raw.Mask.Width, raw.Mask.Height
		row.MaskWidth, row.MaskHeight = &width, &height
	}

	return row, nil
}

// encodeSegmentationMask flattens a row-major class index raster to bytes and
// base64-encodes it for text column storage. Class indices above 255 cannot
// be represented and fail the batch.
func encodeSegmentationMask(mask *SegmentationMask) (string, error) {
	if len(mask.Data) != mask.Height {
		return "", fmt.Errorf("segmentation mask has %d rows, expected %d", len(mask.Data), mask.Height)
	}

	flat := make([]byte, 0, mask.Width*mask.Height)
	for i, rowData := range mask.Data {
		if len(rowData) != mask.Width {
			return "", fmt.Errorf("segmentation mask row %d has %d columns, expected %d", i, len(rowData), mask.Width)
		}
		for _, v := range rowData {
			if v < 0 || v > 255 {
				return "", fmt.Errorf("segmentation mask value %d out of byte range", v)
			}
			flat = append(flat, byte(v))
		}
	}

	return base64.StdEncoding.EncodeToString(flat), nil
}

// CommitResults writes one assembled batch atomically. Predictions append;
// feature vectors upsert on image id so an image only ever has its newest
// embedding.
func CommitResults(ctx context.Context, db *gorm.DB, results *AssembledResults) error {
	if len(results.Predictions) == 0 && len(results.FeatureVectors) == 0 {
		return nil
	}

	err := db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if len(results.Predictions) > 0 {
			if err := txn.CreateInBatches(results.Predictions, 100).Error; err != nil {
				return fmt.Errorf("error saving predictions: %w", err)
			}
		}
		if len(results.FeatureVectors) > 0 {
			err := txn.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "image_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"cnn_state_id", "vector"}),
			}).CreateInBatches(results.FeatureVectors, 100).Error
			if err != nil {
				return fmt.Errorf("error saving feature vectors: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("committed inference results",
		"predictions", len(results.Predictions), "feature_vectors", len(results.FeatureVectors))
	return nil
}
