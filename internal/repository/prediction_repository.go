package repository

import (
	"context"
	"errors"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/menta2k/retina-grader/internal/logging"
	"github.com/menta2k/retina-grader/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound is returned when no prediction matches the query
var ErrNotFound = errors.New("prediction not found")

// PredictionLog represents a persisted prediction.
type PredictionLog struct {
	ID            uint      `gorm:"primaryKey"`
	RequestID     string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Subject       string    `gorm:"column:subject;size:64;index"`
	ImageHash     string    `gorm:"column:image_hash;size:40;index"`
	Label         string    `gorm:"column:label;size:32"`
	ClassIndex    int       `gorm:"column:class_index"`
	Confidence    float32   `gorm:"column:confidence"`
	Probabilities string    `gorm:"column:probabilities;type:text"`
	Contrast      bool      `gorm:"column:contrast"`
	Sharpen       bool      `gorm:"column:sharpen"`
	Sigma         int       `gorm:"column:sigma"`
	DurationMs    int64     `gorm:"column:duration_ms"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (PredictionLog) TableName() string {
	return "prediction_logs"
}

// SetProbabilities stores probs as a JSON array
func (l *PredictionLog) SetProbabilities(probs []float32) error {
	data, err := json.Marshal(probs)
	if err != nil {
		return err
	}
	l.Probabilities = string(data)
	return nil
}

// ProbabilityValues decodes the stored probabilities
func (l *PredictionLog) ProbabilityValues() ([]float32, error) {
	if l.Probabilities == "" {
		return nil, nil
	}
	var probs []float32
	if err := json.Unmarshal([]byte(l.Probabilities), &probs); err != nil {
		return nil, err
	}
	return probs, nil
}

// Prediction rebuilds the classifier result stored in the log
func (l *PredictionLog) Prediction() (types.PredictionResult, error) {
	probs, err := l.ProbabilityValues()
	if err != nil {
		return types.PredictionResult{}, err
	}
	return types.PredictionResult{
		Label:         l.Label,
		ClassIndex:    l.ClassIndex,
		Confidence:    l.Confidence,
		Probabilities: probs,
	}, nil
}

// PredictionRepository provides persistence APIs for prediction logs.
type PredictionRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewPredictionRepository creates a new repository instance.
func NewPredictionRepository(db *gorm.DB, logger *zap.Logger) *PredictionRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PredictionRepository{db: db, logger: logger.Named("prediction_repository")}
}

// AutoMigrate ensures the schema is available.
func (r *PredictionRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&PredictionLog{})
}

// Save persists a prediction log entry.
func (r *PredictionRepository) Save(ctx context.Context, log *PredictionLog) error {
	if err := r.db.WithContext(ctx).Create(log).Error; err != nil {
		wrapped := logging.NewOperationError("repository.save", log.RequestID, err)
		r.logger.Error("failed to persist prediction", zap.Error(wrapped))
		return wrapped
	}
	return nil
}

// FindByRequestID retrieves the prediction stored under requestID.
func (r *PredictionRepository) FindByRequestID(ctx context.Context, requestID string) (*PredictionLog, error) {
	var log PredictionLog
	if err := r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, logging.NewOperationError("repository.find_by_request_id", requestID, err)
	}
	return &log, nil
}

// FindLatestByHash returns the newest prediction subject made for an image
// under the given settings.
func (r *PredictionRepository) FindLatestByHash(ctx context.Context, subject, hash string, cfg types.PipelineConfig) (*PredictionLog, error) {
	var log PredictionLog
	err := r.db.WithContext(ctx).
		Where("subject = ? AND image_hash = ? AND contrast = ? AND sharpen = ? AND sigma = ?",
			subject, hash, cfg.EnhanceContrast, cfg.Sharpen, int(cfg.SharpenSigma)).
		Order("created_at DESC").
		First(&log).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, logging.NewOperationError("repository.find_latest_by_hash", "", err)
	}
	return &log, nil
}
