package versions

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Schema snapshot for the initial migration. These structs are frozen; the
// live schema lives in internal/database.

type Project struct {
	Shortname string `gorm:"primaryKey;size:64"`
	Name      string

	AnnotationType string `gorm:"size:32;not null"`
	PredictionType string `gorm:"size:32;not null"`

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

type ModelClassCorrespondence struct {
	MarketplaceId uuid.UUID `gorm:"type:uuid;primaryKey"`
	ModelClass    string    `gorm:"primaryKey;size:128"`
	LabelClassId  uuid.UUID `gorm:"type:uuid;not null"`
}

type Image struct {
	Id       uuid.UUID `gorm:"type:uuid;primaryKey"`
	Project  string    `gorm:"size:64;index;not null"`
	Filename string    `gorm:"not null"`

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

type FeatureVector struct {
	ImageId    uuid.UUID `gorm:"type:uuid;primaryKey"`
	Project    string    `gorm:"size:64;index;not null"`
	CnnStateId uuid.UUID `gorm:"type:uuid;not null"`
	Vector     []byte    `gorm:"type:bytea"`
}

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

func Migration0(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Project{}, &LabelClass{}, &ModelClassCorrespondence{}, &Image{}, &Annotation{},
		&ModelState{}, &Prediction{}, &FeatureVector{}, &TaskRecord{}, &TaskFault{},
	)
	if err != nil {
		return fmt.Errorf("initial migration failed: %w", err)
	}
	return nil
}
