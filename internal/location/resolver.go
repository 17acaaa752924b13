package location

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrLocationUnavailable means every stage failed; the caller may retry.
	ErrLocationUnavailable = errors.New("location: unavailable")
	ErrPermissionDenied    = errors.New("location: permission denied")
	ErrNoPosition          = errors.New("location: no position")
)

// Coordinates is a WGS84 position.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinates fall inside the WGS84 ranges.
func (c Coordinates) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// Request identifies who is being located.
type Request struct {
	ViewerID string
	ClientIP string
}

// Source is a single location stage.
type Source interface {
	Name() string
	Locate(ctx context.Context, request Request) (Coordinates, error)
}

// Stage pairs a source with the time budget it gets.
type Stage struct {
	Source  Source
	Timeout time.Duration
}

// Resolver runs its stages in order and returns the first position found.
type Resolver struct {
	stages []Stage
	logger *zap.Logger
}

func NewResolver(logger *zap.Logger, stages ...Stage) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	kept := make([]Stage, 0, len(stages))
	for _, stage := range stages {
		if stage.Source != nil {
			kept = append(kept, stage)
		}
	}
	return &Resolver{stages: kept, logger: logger}
}

// Resolve tries each stage only after the previous one has definitively failed.
func (r *Resolver) Resolve(ctx context.Context, request Request) (Coordinates, error) {
	for _, stage := range r.stages {
		if err := ctx.Err(); err != nil {
			return Coordinates{}, err
		}
		coordinates, err := r.runStage(ctx, stage, request)
		if err == nil {
			return coordinates, nil
		}
		r.logger.Info("location stage failed",
			zap.String("stage", stage.Source.Name()),
			zap.String("viewer_id", request.ViewerID),
			zap.Error(err))
	}
	return Coordinates{}, ErrLocationUnavailable
}

func (r *Resolver) runStage(ctx context.Context, stage Stage, request Request) (Coordinates, error) {
	stageCtx := ctx
	if stage.Timeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, stage.Timeout)
		defer cancel()
	}
	coordinates, err := stage.Source.Locate(stageCtx, request)
	if err != nil {
		return Coordinates{}, err
	}
	if !coordinates.Valid() {
		return Coordinates{}, ErrNoPosition
	}
	return coordinates, nil
}
