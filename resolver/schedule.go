package resolver

import (
	"context"
	"errors"

	"github.com/caio-sobreiro/dicomfetch/download"
	dferrors "github.com/caio-sobreiro/dicomfetch/errors"
	"github.com/caio-sobreiro/dicomfetch/model"
	"github.com/caio-sobreiro/dicomfetch/types"
)

// schedule submits a download task for a series unless one is already
// pending or has completed. It runs once the instance manifest has been
// filled; a series whose manifest is empty (instance query failed or
// returned nothing) is not scheduled until a later resolution fills it.
func (r *Resolver) schedule(ctx context.Context, patient, study, series model.Node) error {
	if r.tasks == nil {
		return nil
	}
	if manifest, _ := r.tree.Manifest(series.ID); len(manifest) == 0 {
		r.logger.DebugContext(ctx, "Series has no instances to download", "series_uid", series.Key)
		return nil
	}

	task := download.NewTask(series.ID, study.Key, series.Key, r.priority(patient, study, series), r.seriesConcurrency)
	if !r.tree.ClaimLoader(series.ID, task.ID) {
		r.logger.DebugContext(ctx, "Series download already claimed",
			"series_uid", series.Key,
			"loader", r.tree.Loader(series.ID).String())
		return nil
	}

	if err := r.tasks.Submit(task); err != nil {
		r.tree.ReleaseLoader(series.ID, task.ID)
		if errors.Is(err, dferrors.ErrTaskExists) {
			return nil
		}
		return err
	}

	r.logger.DebugContext(ctx, "Scheduled series download",
		"task_id", task.ID,
		"series_uid", series.Key,
		"study_uid", study.Key)
	return nil
}

func (r *Resolver) priority(patient, study, series model.Node) download.Priority {
	p := download.Priority{
		Tier:         r.tier,
		PatientName:  patient.Tags.GetString(types.TagPatientName),
		StudyUID:     study.Key,
		SubseriesUID: series.Key,
	}
	if date, ok := study.Tags.GetDateTime(types.TagStudyDate, types.TagStudyTime); ok {
		p = p.WithStudyDate(date)
	}
	if n, ok := series.Tags.GetInt(types.TagSeriesNumber); ok {
		p = p.WithSeriesNumber(n)
	}
	return p
}

// TaskChanged keeps the series loader claims in step with the scheduler:
// a cancelled or failed series can be scheduled again, a completed one
// cannot.
func (r *Resolver) TaskChanged(task *download.Task, state download.State) {
	switch state {
	case download.StateDone:
		r.tree.CompleteLoader(task.Series, task.ID)
	case download.StateCancelled, download.StateFailed:
		r.tree.ReleaseLoader(task.Series, task.ID)
	}
}

var _ download.Listener = (*Resolver)(nil)
