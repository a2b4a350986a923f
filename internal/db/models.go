package db

import (
	"time"

	"gorm.io/datatypes"
)

// Source maps pulse.sources.
type Source struct {
	SourceID       int64          `gorm:"column:source_id;primaryKey;autoIncrement"`
	SourceType     string         `gorm:"column:source_type;type:text;not null"`
	URL            string         `gorm:"column:url;type:text;not null"`
	Name           string         `gorm:"column:name;type:text;not null;default:''"`
	AuthorityScore *float64       `gorm:"column:authority_score;type:double precision"`
	IsActive       bool           `gorm:"column:is_active;not null;default:true"`
	Metadata       datatypes.JSON `gorm:"column:metadata;type:jsonb;not null"`
	CreatedAt      time.Time      `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Source) TableName() string { return "pulse.sources" }

// SourceHealth maps pulse.source_health.
type SourceHealth struct {
	SourceID      int64      `gorm:"column:source_id;primaryKey"`
	Status        string     `gorm:"column:status;type:text;not null"`
	LastSuccessAt *time.Time `gorm:"column:last_success_at;type:timestamptz"`
	LastErrorAt   *time.Time `gorm:"column:last_error_at;type:timestamptz"`
	Message       string     `gorm:"column:message;type:text;not null;default:''"`
	ItemsFound    int        `gorm:"column:items_found;not null;default:0"`
	ItemsInserted int        `gorm:"column:items_inserted;not null;default:0"`
	ItemsFailed   int        `gorm:"column:items_failed;not null;default:0"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (SourceHealth) TableName() string { return "pulse.source_health" }

// StoryOverlay maps pulse.story_overlays. Each analysis step writes its own
// columns through an upsert with an explicit column list.
type StoryOverlay struct {
	StoryID       int64          `gorm:"column:story_id;primaryKey"`
	WhyItMatters  string         `gorm:"column:why_it_matters;type:text;not null;default:''"`
	Confidence    *float64       `gorm:"column:confidence;type:double precision"`
	Citations     datatypes.JSON `gorm:"column:citations;type:jsonb;not null"`
	Chili         *int16         `gorm:"column:chili;type:smallint"`
	BriefOneLiner string         `gorm:"column:brief_one_liner;type:text;not null;default:''"`
	BriefTwoLiner string         `gorm:"column:brief_two_liner;type:text;not null;default:''"`
	BriefElevator string         `gorm:"column:brief_elevator;type:text;not null;default:''"`
	AnalysisState string         `gorm:"column:analysis_state;type:text;not null;default:pending"`
	UpdatedAt     time.Time      `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (StoryOverlay) TableName() string { return "pulse.story_overlays" }

// StoryEmbedding maps pulse.story_embeddings. Embedding holds a pgvector
// literal such as "[0.1,0.2]".
type StoryEmbedding struct {
	StoryID      int64     `gorm:"column:story_id;primaryKey"`
	Embedding    string    `gorm:"column:embedding;type:vector;not null"`
	ModelVersion string    `gorm:"column:model_version;type:text;not null"`
	UpdatedAt    time.Time `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (StoryEmbedding) TableName() string { return "pulse.story_embeddings" }
