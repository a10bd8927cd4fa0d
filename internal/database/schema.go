package database

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Annotation geometry types supported by a project. The loader and the result
// assembler key their field sets off this value.
const (
	AnnotationLabels   string = "labels"
	AnnotationPoints   string = "points"
	AnnotationBoxes    string = "boundingBoxes"
	AnnotationPolygons string = "polygons"
	AnnotationSegMasks string = "segmentationMasks"
)

type Project struct {
	Shortname string `gorm:"primaryKey;size:64"`
	Name      string

	AnnotationType string `gorm:"size:32;not null"`
	PredictionType string `gorm:"size:32;not null"`

	// Channel semantics and display defaults. Either may be absent or
	// malformed; the metadata loader substitutes system defaults then.
	BandConfig   datatypes.JSON `gorm:"type:jsonb"`
	RenderConfig datatypes.JSON `gorm:"type:jsonb"`

	DefaultModelLibrary  string `gorm:"size:128"`
	DefaultAlCriterion   string `gorm:"size:128"`
	LabelclassAutoupdate bool   `gorm:"default:false"`
	InferenceChunkSize   int    `gorm:"default:0"`

	CreationTime time.Time
}

type LabelClass struct {
	Id      uuid.UUID `gorm:"type:uuid;primaryKey"`
	Project string    `gorm:"size:64;index;not null"`
	Name    string    `gorm:"not null"`
	Idx     int       `gorm:"not null"`
	Color   string    `gorm:"size:16"`
}

// ModelClassCorrespondence maps a marketplace model's own class labels onto
// the project's label classes. Rows exist only for states imported from the
// model marketplace; project-native states index label classes directly.
type ModelClassCorrespondence struct {
	MarketplaceId uuid.UUID `gorm:"type:uuid;primaryKey"`
	ModelClass    string    `gorm:"primaryKey;size:128"`
	LabelClassId  uuid.UUID `gorm:"type:uuid;not null"`
}

type Image struct {
	Id       uuid.UUID `gorm:"type:uuid;primaryKey"`
	Project  string    `gorm:"size:64;index;not null"`
	Filename string    `gorm:"not null"`

	// Optional spatial window into a larger source image.
	X      *int
	Y      *int
	Width  *int
	Height *int

	CreationTime time.Time
}

type Annotation struct {
	Id           uuid.UUID     `gorm:"type:uuid;primaryKey"`
	Project      string        `gorm:"size:64;index;not null"`
	ImageId      uuid.UUID     `gorm:"type:uuid;index;not null"`
	LabelClassId uuid.NullUUID `gorm:"type:uuid"`

	X      *float64
	Y      *float64
	Width  *float64
	Height *float64

	Coordinates datatypes.JSON `gorm:"type:jsonb"`

	Segmentationmask string `gorm:"type:text"`
	MaskWidth        *int
	MaskHeight       *int

	Unsure       bool `gorm:"default:false"`
	CreationTime time.Time
}

// ModelState rows are append-only: a state is never mutated in place, only
// superseded by inserting a newer row. Partial states are per-worker training
// results awaiting an averaging pass.
type ModelState struct {
	Id      uuid.UUID `gorm:"type:uuid;primaryKey"`
	Project string    `gorm:"size:64;index;not null"`

	ModelLibrary       string `gorm:"size:128;not null"`
	AlCriterionLibrary string `gorm:"size:128"`

	StateDict []byte         `gorm:"type:bytea"`
	Stats     datatypes.JSON `gorm:"type:jsonb"`

	Partial              bool          `gorm:"not null;default:false"`
	MarketplaceOriginId  uuid.NullUUID `gorm:"type:uuid"`
	LabelclassAutoupdate bool          `gorm:"default:false"`

	TimeCreated time.Time `gorm:"index"`
}

// Prediction rows are append-only; a later inference round supersedes earlier
// rows via the CnnStateId lineage rather than updating them.
type Prediction struct {
	Id         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Project    string    `gorm:"size:64;index;not null"`
	ImageId    uuid.UUID `gorm:"type:uuid;index;not null"`
	CnnStateId uuid.UUID `gorm:"type:uuid;index;not null"`

	LabelClassId uuid.NullUUID `gorm:"type:uuid"`

	Confidence *float64
	Priority   *float64

	X      *float64
	Y      *float64
	Width  *float64
	Height *float64

	Coordinates datatypes.JSON `gorm:"type:jsonb"`

	Segmentationmask string `gorm:"type:text"`
	MaskWidth        *int
	MaskHeight       *int

	TimeCreated time.Time
}

// FeatureVector holds the latest embedding per image; unlike predictions it
// is upserted, not appended.
type FeatureVector struct {
	ImageId    uuid.UUID `gorm:"type:uuid;primaryKey"`
	Project    string    `gorm:"size:64;index;not null"`
	CnnStateId uuid.UUID `gorm:"type:uuid;not null"`
	Vector     []byte    `gorm:"type:bytea"`
}

const (
	TaskQueued    string = "QUEUED"
	TaskRunning   string = "RUNNING"
	TaskCompleted string = "COMPLETED"
	TaskFailed    string = "FAILED"
)

const (
	TaskTypeUpdate    string = "update"
	TaskTypeTrain     string = "train"
	TaskTypeAverage   string = "average"
	TaskTypeInference string = "inference"
)

type TaskRecord struct {
	Id      uuid.UUID `gorm:"type:uuid;primaryKey"`
	Project string    `gorm:"size:64;index;not null"`
	Type    string    `gorm:"size:20;not null"`
	Status  string    `gorm:"size:20;not null"`

	Epoch  int
	Epochs int

	Done    int `gorm:"default:0"`
	Total   int `gorm:"default:0"`
	Message string

	CreationTime   time.Time
	StartTime      *time.Time
	CompletionTime *time.Time

	Faults []TaskFault `gorm:"foreignKey:TaskId;constraint:OnDelete:CASCADE"`
}

type TaskFault struct {
	TaskId    uuid.UUID `gorm:"type:uuid;primaryKey"`
	FaultId   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Stage     string    `gorm:"size:32"`
	Reason    string
	Timestamp time.Time
}
