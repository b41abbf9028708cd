package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"CNNForecast/internal/domain/models"
	"CNNForecast/internal/domain/service"
	"CNNForecast/pkg/cache"
	"CNNForecast/pkg/logger"
	"CNNForecast/pkg/queue"
)

const (
	TrainJobName = "train_model"
	TrainJobType = "train"
)

var ErrTrainingInProgress = errors.New("training already running for model")

// TrainJob runs queued training requests. When a cache is set, one run per
// model name holds a lock for up to lockTTL.
type TrainJob struct {
	trainer service.Trainer
	locks   cache.Service
	lockTTL time.Duration
	logger  *logger.Logger
}

func NewTrainJob(trainer service.Trainer, locks cache.Service, lockTTL time.Duration, l *logger.Logger) *TrainJob {
	if l == nil {
		l = logger.Nop()
	}
	if lockTTL <= 0 {
		lockTTL = time.Hour
	}
	return &TrainJob{trainer: trainer, locks: locks, lockTTL: lockTTL, logger: l}
}

func (j *TrainJob) Name() string { return TrainJobName }
func (j *TrainJob) Type() string { return TrainJobType }

func (j *TrainJob) Handle(ctx context.Context, payload json.RawMessage) error {
	req, err := queue.ParsePayload[models.TrainRequest](payload)
	if err != nil {
		return err
	}

	if j.locks != nil {
		lockKey := cache.GenerateKey("lock:train", req.ModelName)
		ok, err := j.locks.TryLock(ctx, lockKey, j.lockTTL)
		if err != nil {
			return fmt.Errorf("acquire train lock: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w %q", ErrTrainingInProgress, req.ModelName)
		}
		defer func() {
			if err := j.locks.Unlock(context.WithoutCancel(ctx), lockKey); err != nil {
				j.logger.Warn("release train lock failed", logger.String("key", lockKey), logger.Error(err))
			}
		}()
	}

	report, err := j.trainer.Run(ctx, *req)
	if err != nil {
		return err
	}
	j.logger.Info("train job finished",
		logger.String("model_key", report.ModelKey),
		logger.Float64("final_loss", report.FinalLoss),
	)
	return nil
}

var _ queue.Job = (*TrainJob)(nil)
