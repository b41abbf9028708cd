package api

import (
	"context"
	"errors"

	"CNNForecast/internal/dataset"
	domrepo "CNNForecast/internal/domain/repository"
	"CNNForecast/internal/model"
	"CNNForecast/internal/usecase"
	xhttp "CNNForecast/pkg/http"
	"CNNForecast/pkg/queue"
)

// toAppError maps use case errors to HTTP statuses.
func toAppError(err error) *xhttp.AppError {
	var appErr *xhttp.AppError
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, domrepo.ErrModelNotFound), errors.Is(err, queue.ErrJobNotFound):
		return xhttp.NotFoundError(err.Error()).WithError(err)
	case errors.Is(err, usecase.ErrInvalidRequest),
		errors.Is(err, usecase.ErrNoDataSource),
		errors.Is(err, dataset.ErrWindowTooLong),
		errors.Is(err, dataset.ErrUnknownColumn),
		errors.Is(err, model.ErrNotReady):
		return xhttp.BadRequestError(err.Error()).WithError(err)
	case errors.Is(err, usecase.ErrStoreDisabled):
		return xhttp.UnavailableError(err.Error()).WithError(err)
	case errors.Is(err, usecase.ErrTrainingInProgress):
		return xhttp.ConflictError(err.Error()).WithError(err)
	case errors.Is(err, context.DeadlineExceeded):
		return xhttp.TimeoutError("forecast timed out").WithError(err)
	}
	return xhttp.InternalError("Something went wrong").WithError(err)
}
