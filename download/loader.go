package download

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/caio-sobreiro/dicomfetch/dicom"
	dferrors "github.com/caio-sobreiro/dicomfetch/errors"
	"github.com/caio-sobreiro/dicomfetch/interfaces"
	"github.com/caio-sobreiro/dicomfetch/model"
	"github.com/caio-sobreiro/dicomfetch/types"
)

// ManifestSource exposes the live instance manifest of a series.
// *model.Tree implements it.
type ManifestSource interface {
	Manifest(series model.NodeID) ([]types.InstanceReference, uint64)
	Version(series model.NodeID) uint64
}

// Sink stores retrieved instance content.
type Sink interface {
	Store(ctx context.Context, task *Task, ref types.InstanceReference, data []byte) error
}

// WADOLoader is the default SeriesLoader. It fetches every instance of the
// task's manifest, at most task.Concurrency at a time, and keeps going while
// the manifest grows underneath it.
type WADOLoader struct {
	Manifests ManifestSource
	Fetcher   interfaces.InstanceFetcher
	Sink      Sink
	Logger    *slog.Logger
	Metrics   *Metrics
}

// Load implements SeriesLoader. Cancellation is checked before every
// instance. Instance failures do not stop the series but make it fail with
// *errors.RetrieveError once everything else has been fetched.
func (l *WADOLoader) Load(ctx context.Context, task *Task) error {
	if l.Manifests == nil || l.Fetcher == nil || l.Sink == nil {
		return fmt.Errorf("WADO loader is missing a manifest source, fetcher or sink")
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		mu       sync.Mutex
		failed   int
		firstErr error
		total    int
	)
	fetched := make(map[types.InstanceKey]struct{})

	for {
		manifest, version := l.Manifests.Manifest(task.Series)

		var pending []types.InstanceReference
		for _, ref := range manifest {
			key := ref.Key()
			if _, ok := fetched[key]; ok {
				continue
			}
			fetched[key] = struct{}{}
			pending = append(pending, ref)
		}
		if len(pending) == 0 {
			break
		}
		total += len(pending)

		var g errgroup.Group
		g.SetLimit(max(task.Concurrency, 1))
		for _, ref := range pending {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				err := l.fetch(ctx, logger, task, ref)
				if err == nil {
					return nil
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}

				logger.WarnContext(ctx, "Instance retrieval failed",
					"task_id", task.ID,
					"series_uid", task.SeriesUID,
					"sop_instance_uid", ref.SOPInstanceUID,
					"error", err)
				l.Metrics.instanceFailed()

				mu.Lock()
				failed++
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.Manifests.Version(task.Series) == version {
			break
		}
	}

	if failed > 0 {
		return dferrors.NewRetrieveError(task.SeriesUID, failed, total, firstErr)
	}

	logger.InfoContext(ctx, "Series retrieved",
		"task_id", task.ID,
		"series_uid", task.SeriesUID,
		"instances", total)
	return nil
}

func (l *WADOLoader) fetch(ctx context.Context, logger *slog.Logger, task *Task, ref types.InstanceReference) error {
	data, err := l.Fetcher.FetchInstance(ctx, task.StudyUID, task.SeriesUID, ref)
	if err != nil {
		return err
	}
	meta, err := dicom.CheckInstance(data, ref.SOPInstanceUID)
	if err != nil {
		return err
	}
	if meta.TransferSyntaxUID != "" {
		attrs := []any{
			"sop_instance_uid", ref.SOPInstanceUID,
			"transfer_syntax", types.TransferSyntaxName(meta.TransferSyntaxUID),
			"bytes", len(data),
		}
		if ts, ok := types.LookupTransferSyntax(meta.TransferSyntaxUID); ok {
			attrs = append(attrs, "compressed", ts.Compressed, "lossless", ts.Lossless)
		}
		logger.DebugContext(ctx, "Instance retrieved", attrs...)
	}
	return l.Sink.Store(ctx, task, ref, data)
}
