package service

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/menta2k/retina-grader/internal/logging"
	"github.com/menta2k/retina-grader/internal/repository"
	"github.com/menta2k/retina-grader/pkg/pipeline"
	"github.com/menta2k/retina-grader/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Predictor runs the grading pipeline
type Predictor interface {
	Predict(ctx context.Context, img image.Image, cfg types.PipelineConfig) (*pipeline.Result, error)
	Ready() bool
}

// Decoder turns uploaded bytes into an image. Failures must wrap
// types.ErrInvalidImage.
type Decoder interface {
	DecodeBytes(data []byte) (image.Image, error)
}

// PredictionRepository defines the persistence operations needed by the use case.
type PredictionRepository interface {
	Save(ctx context.Context, log *repository.PredictionLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.PredictionLog, error)
	FindLatestByHash(ctx context.Context, subject, hash string, cfg types.PipelineConfig) (*repository.PredictionLog, error)
}

// Outcome is the result returned to API clients and stored in the cache
type Outcome struct {
	RequestID     string               `json:"request_id"`
	Subject       string               `json:"subject,omitempty"`
	Label         string               `json:"label"`
	ClassIndex    int                  `json:"class_index"`
	Confidence    float32              `json:"confidence"`
	Probabilities map[string]float32   `json:"probabilities"`
	Status        string               `json:"status"`
	ImageHash     string               `json:"sha1_hash"`
	Config        types.PipelineConfig `json:"config"`
	DurationMs    int64                `json:"duration_ms"`
	Cached        bool                 `json:"cached"`
	CreatedAt     time.Time            `json:"created_at"`
}

// PredictionUseCase decodes uploads, runs the pipeline and keeps results in
// the cache and the repository. Cache and repository may be nil.
type PredictionUseCase struct {
	predictor      Predictor
	decoder        Decoder
	repo           PredictionRepository
	cache          Cache
	logger         *zap.Logger
	ttl            time.Duration
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewPredictionUseCase constructs a new use case instance.
func NewPredictionUseCase(predictor Predictor, decoder Decoder, repo PredictionRepository, cache Cache, ttl time.Duration, logger *zap.Logger) *PredictionUseCase {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PredictionUseCase{
		predictor:      predictor,
		decoder:        decoder,
		repo:           repo,
		cache:          cache,
		logger:         logger.Named("prediction_usecase"),
		ttl:            ttl,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Ready reports whether a classifier is loaded
func (uc *PredictionUseCase) Ready() bool {
	return uc.predictor != nil && uc.predictor.Ready()
}

func hashKey(hash string, cfg types.PipelineConfig) string {
	return fmt.Sprintf("prediction:hash:%s:%s", hash, cfg.Key())
}

func resultKey(requestID string) string {
	return fmt.Sprintf("prediction:id:%s", requestID)
}

// Predict grades the uploaded image. Identical bytes sent by the same subject
// under identical settings are answered from the cache, or from the
// repository once the cache has dropped them.
func (uc *PredictionUseCase) Predict(ctx context.Context, subject string, data []byte, cfg types.PipelineConfig) (*Outcome, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.predict", requestID)

	sum := sha1.Sum(data)
	hash := hex.EncodeToString(sum[:])

	if cached, ok := uc.lookup(ctx, requestID, "cache.get.hash", hashKey(hash, cfg)); ok && cached.Subject == subject {
		opLogger.Info("serving cached prediction", zap.String("cached_request_id", cached.RequestID))
		cached.Cached = true
		return cached, nil
	}

	if stored, ok := uc.lookupStored(ctx, requestID, subject, hash, cfg); ok {
		opLogger.Info("serving stored prediction", zap.String("stored_request_id", stored.RequestID))
		uc.store(ctx, stored)
		stored.Cached = true
		return stored, nil
	}

	img, err := uc.decoder.DecodeBytes(data)
	if err != nil {
		return nil, types.NewStageError(pipeline.StageCapture, requestID, err)
	}

	result, err := uc.predictor.Predict(pipeline.ContextWithRequestID(ctx, requestID), img, cfg)
	if err != nil {
		opLogger.Warn("prediction failed", zap.Error(err), zap.Stringer("kind", types.KindOf(err)))
		return nil, err
	}

	outcome := &Outcome{
		RequestID:     result.RequestID,
		Subject:       subject,
		Label:         result.Prediction.Label,
		ClassIndex:    result.Prediction.ClassIndex,
		Confidence:    result.Prediction.Confidence,
		Probabilities: result.Prediction.ProbabilityMap(),
		Status:        types.PredictionStatus(result.Prediction),
		ImageHash:     hash,
		Config:        cfg,
		DurationMs:    result.Duration.Milliseconds(),
		CreatedAt:     time.Now().UTC(),
	}

	if uc.repo != nil {
		log := &repository.PredictionLog{
			RequestID:  outcome.RequestID,
			Subject:    subject,
			ImageHash:  hash,
			Label:      outcome.Label,
			ClassIndex: outcome.ClassIndex,
			Confidence: outcome.Confidence,
			Contrast:   cfg.EnhanceContrast,
			Sharpen:    cfg.Sharpen,
			Sigma:      int(cfg.SharpenSigma),
			DurationMs: outcome.DurationMs,
			CreatedAt:  outcome.CreatedAt,
		}
		if err := log.SetProbabilities(result.Prediction.Probabilities); err != nil {
			return nil, logging.NewOperationError("usecase.encode_probabilities", requestID, err)
		}
		if err := uc.repo.Save(ctx, log); err != nil {
			wrapped := logging.NewOperationError("usecase.save_log", requestID, err)
			opLogger.Error("failed to persist prediction", zap.Error(wrapped))
			return nil, wrapped
		}
	}

	uc.store(ctx, outcome)
	return outcome, nil
}

// GetResult returns a previous prediction from the cache or the repository.
// A non-empty subject only sees its own predictions.
func (uc *PredictionUseCase) GetResult(ctx context.Context, subject, requestID string) (*Outcome, error) {
	outcome, ok := uc.lookup(ctx, requestID, "cache.get.result", resultKey(requestID))
	if !ok {
		if uc.repo == nil {
			return nil, repository.ErrNotFound
		}
		log, err := uc.repo.FindByRequestID(ctx, requestID)
		if err != nil {
			return nil, err
		}
		outcome, err = outcomeFromLog(log)
		if err != nil {
			return nil, logging.NewOperationError("usecase.decode_log", requestID, err)
		}
	}

	if subject != "" && outcome.Subject != "" && outcome.Subject != subject {
		return nil, repository.ErrNotFound
	}
	return outcome, nil
}

func outcomeFromLog(log *repository.PredictionLog) (*Outcome, error) {
	prediction, err := log.Prediction()
	if err != nil {
		return nil, err
	}
	return &Outcome{
		RequestID:     log.RequestID,
		Subject:       log.Subject,
		Label:         prediction.Label,
		ClassIndex:    prediction.ClassIndex,
		Confidence:    prediction.Confidence,
		Probabilities: prediction.ProbabilityMap(),
		Status:        types.PredictionStatus(prediction),
		ImageHash:     log.ImageHash,
		Config: types.PipelineConfig{
			EnhanceContrast: log.Contrast,
			Sharpen:         log.Sharpen,
			SharpenSigma:    types.SharpenSigma(log.Sigma),
		},
		DurationMs: log.DurationMs,
		CreatedAt:  log.CreatedAt,
	}, nil
}

// lookupStored finds an earlier prediction of the same image by subject.
// Repository failures are logged and treated as a miss.
func (uc *PredictionUseCase) lookupStored(ctx context.Context, requestID, subject, hash string, cfg types.PipelineConfig) (*Outcome, bool) {
	if uc.repo == nil {
		return nil, false
	}
	opLogger := logging.WithOperation(uc.logger, "repository.find_latest_by_hash", requestID)

	log, err := uc.repo.FindLatestByHash(ctx, subject, hash, cfg)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			opLogger.Warn("failed to query stored predictions", zap.Error(err))
		}
		return nil, false
	}
	outcome, err := outcomeFromLog(log)
	if err != nil {
		opLogger.Warn("failed to decode stored prediction", zap.Error(err))
		return nil, false
	}
	return outcome, true
}

// lookup reads and decodes a cached outcome. Misses and cache failures both
// report false; failures are logged.
func (uc *PredictionUseCase) lookup(ctx context.Context, requestID, operation, key string) (*Outcome, bool) {
	if uc.cache == nil {
		return nil, false
	}

	raw, err := uc.withCacheGet(ctx, requestID, operation, key)
	if err != nil {
		if !IsCacheMiss(err) {
			logging.WithOperation(uc.logger, operation, requestID).Warn("failed to read cache", zap.Error(err))
		}
		return nil, false
	}

	var outcome Outcome
	if err := json.Unmarshal([]byte(raw), &outcome); err != nil {
		logging.WithOperation(uc.logger, operation, requestID).Warn("failed to decode cached result", zap.Error(err))
		return nil, false
	}
	return &outcome, true
}

// store caches outcome under its request id and under its image hash.
// Cache failures are logged only.
func (uc *PredictionUseCase) store(ctx context.Context, outcome *Outcome) {
	if uc.cache == nil {
		return
	}
	opLogger := logging.WithOperation(uc.logger, "usecase.cache_result", outcome.RequestID)

	serialized, err := json.Marshal(outcome)
	if err != nil {
		opLogger.Error("failed to serialize prediction", zap.Error(err))
		return
	}

	for _, key := range []string{resultKey(outcome.RequestID), hashKey(outcome.ImageHash, outcome.Config)} {
		if err := uc.withCacheRetry(ctx, outcome.RequestID, "cache.set.result", func() error {
			return uc.cache.Set(ctx, key, string(serialized), uc.ttl)
		}); err != nil {
			opLogger.Warn("failed to cache prediction", zap.String("key", key), zap.Error(err))
		}
	}
}

func (uc *PredictionUseCase) withCacheRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	backoff := uc.initialBackoff

	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("cache operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if IsCacheMiss(err) {
			return err
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("cache operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient cache error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *PredictionUseCase) withCacheGet(ctx context.Context, requestID, operation, key string) (string, error) {
	var result string
	err := uc.withCacheRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
