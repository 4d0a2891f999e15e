// Package history keeps a log of predictions in Postgres with a Redis
// read-through cache.
package history

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("prediction not found")

// PredictionLog represents a persisted prediction.
type PredictionLog struct {
	ID              uint      `gorm:"primaryKey"`
	RequestID       string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Owner           string    `gorm:"column:owner;size:255;index"`
	Food            string    `gorm:"column:food;size:64"`
	Freshness       string    `gorm:"column:freshness;size:16"`
	Confidence      float32   `gorm:"column:confidence"`
	Detected        bool      `gorm:"column:detected"`
	InferenceTimeMS float64   `gorm:"column:inference_time_ms"`
	ClassifierMode  string    `gorm:"column:classifier_mode;size:16"`
	ImageSHA256     string    `gorm:"column:image_sha256;size:64;index"`
	CreatedAt       time.Time `gorm:"column:created_at"`
}

func (PredictionLog) TableName() string {
	return "prediction_logs"
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&PredictionLog{})
}

func (r *Repository) Save(ctx context.Context, log *PredictionLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

// FindByRequestID looks up a prediction. A non-empty owner restricts the
// match to predictions recorded for that subject.
func (r *Repository) FindByRequestID(ctx context.Context, requestID, owner string) (*PredictionLog, error) {
	query := r.db.WithContext(ctx).Where("request_id = ?", requestID)
	if owner != "" {
		query = query.Where("owner = ?", owner)
	}

	var log PredictionLog
	if err := query.First(&log).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &log, nil
}
