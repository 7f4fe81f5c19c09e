// Package resolver turns batches of patient, study, series and instance
// identifiers into nodes of the shared hierarchy by querying a QIDO-RS
// service, and schedules a download task for every series it discovers.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/caio-sobreiro/dicomfetch/dicom"
	"github.com/caio-sobreiro/dicomfetch/download"
	dferrors "github.com/caio-sobreiro/dicomfetch/errors"
	"github.com/caio-sobreiro/dicomfetch/interfaces"
	"github.com/caio-sobreiro/dicomfetch/model"
	"github.com/caio-sobreiro/dicomfetch/types"
)

const (
	DefaultSeriesConcurrency = 4
	DefaultParallelism       = 4
)

// TaskSubmitter accepts download tasks. *download.Scheduler implements it.
type TaskSubmitter interface {
	Submit(task *download.Task) error
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger overrides the logger used by the resolver.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithFilters sets the study filters applied to patient lookups.
func WithFilters(f Filters) Option {
	return func(r *Resolver) {
		r.filters = f
	}
}

// WithSeriesConcurrency sets the per-series download concurrency hint.
func WithSeriesConcurrency(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.seriesConcurrency = n
		}
	}
}

// WithParallelism bounds how many identifiers of a batch resolve at once.
func WithParallelism(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.parallelism = n
		}
	}
}

// WithPriorityTier sets the tier of the tasks the resolver creates.
func WithPriorityTier(tier int) Option {
	return func(r *Resolver) {
		r.tier = tier
	}
}

// Resolver integrates query results into a model.Tree.
type Resolver struct {
	querier           interfaces.Querier
	tree              *model.Tree
	tasks             TaskSubmitter
	logger            *slog.Logger
	filters           Filters
	seriesConcurrency int
	parallelism       int
	tier              int
}

// New creates a resolver. tasks may be nil, in which case series are
// resolved without being scheduled.
func New(querier interfaces.Querier, tree *model.Tree, tasks TaskSubmitter, opts ...Option) *Resolver {
	r := &Resolver{
		querier:           querier,
		tree:              tree,
		tasks:             tasks,
		seriesConcurrency: DefaultSeriesConcurrency,
		parallelism:       DefaultParallelism,
		tier:              download.PriorityNormal,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// BatchResult summarizes one batch. A failed identifier does not affect its
// siblings.
type BatchResult struct {
	Requested int
	Skipped   int // blank identifiers
	Failed    int
	Errors    []error
}

// ResolvePatientIDs looks up the studies of each patient ("id" or
// "id^^^issuer"), filters and sorts them, and descends to series and
// instances.
func (r *Resolver) ResolvePatientIDs(ctx context.Context, ids []string) BatchResult {
	return r.batch(ctx, "patient_id", ids, r.resolvePatient)
}

// ResolveStudyUIDs resolves studies by study instance UID.
func (r *Resolver) ResolveStudyUIDs(ctx context.Context, uids []string) BatchResult {
	return r.batch(ctx, "study_uid", uids, func(ctx context.Context, uid string) error {
		return r.resolveStudies(ctx, lookupParams(types.TagStudyInstanceUID, uid, studyFields))
	})
}

// ResolveAccessionNumbers resolves studies by accession number.
func (r *Resolver) ResolveAccessionNumbers(ctx context.Context, numbers []string) BatchResult {
	return r.batch(ctx, "accession_number", numbers, func(ctx context.Context, number string) error {
		return r.resolveStudies(ctx, lookupParams(types.TagAccessionNumber, number, studyFields))
	})
}

// ResolveSeriesUIDs resolves series by series instance UID.
func (r *Resolver) ResolveSeriesUIDs(ctx context.Context, uids []string) BatchResult {
	return r.batch(ctx, "series_uid", uids, r.resolveSeries)
}

// ResolveSOPInstanceUIDs resolves single instances by SOP instance UID and
// merges them into the manifest of their series.
func (r *Resolver) ResolveSOPInstanceUIDs(ctx context.Context, uids []string) BatchResult {
	return r.batch(ctx, "sop_instance_uid", uids, r.resolveInstance)
}

func (r *Resolver) batch(ctx context.Context, kind string, ids []string, resolve func(context.Context, string) error) BatchResult {
	var (
		mu     sync.Mutex
		result BatchResult
		g      errgroup.Group
	)
	g.SetLimit(r.parallelism)

	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			result.Skipped++
			continue
		}
		result.Requested++

		g.Go(func() error {
			err := resolve(ctx, id)
			if err == nil {
				return nil
			}
			r.logger.ErrorContext(ctx, "Failed to resolve identifier",
				"kind", kind,
				"id", id,
				"error", err)

			mu.Lock()
			result.Failed++
			result.Errors = append(result.Errors, fmt.Errorf("%s %s: %w", kind, id, err))
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	r.logger.InfoContext(ctx, "Batch resolved",
		"kind", kind,
		"requested", result.Requested,
		"skipped", result.Skipped,
		"failed", result.Failed)
	return result
}

func (r *Resolver) resolvePatient(ctx context.Context, raw string) error {
	studies, err := r.querier.Query(ctx, "/studies", patientParams(raw))
	if err != nil {
		return err
	}
	if len(studies) == 0 {
		return nil
	}

	before := len(studies)
	studies = r.filters.Apply(studies)
	if r.filters.Active() {
		r.logger.DebugContext(ctx, "Applied study filters",
			"patient_id", raw,
			"studies", before,
			"kept", len(studies))
	}
	return r.fillStudies(ctx, studies)
}

func (r *Resolver) resolveStudies(ctx context.Context, params url.Values) error {
	studies, err := r.querier.Query(ctx, "/studies", params)
	if err != nil {
		return err
	}
	return r.fillStudies(ctx, studies)
}

func (r *Resolver) fillStudies(ctx context.Context, studies []*dicom.Dataset) error {
	var errs []error
	for _, study := range studies {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.fillSeries(ctx, study); err != nil {
			if errors.Is(err, dferrors.ErrIllegalInput) {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// fillSeries queries the series of a study record and resolves each of
// them. Nodes are only created when the study has at least one series.
func (r *Resolver) fillSeries(ctx context.Context, study *dicom.Dataset) error {
	if study == nil {
		return dferrors.IllegalInput("study dataset")
	}
	studyUID := study.GetString(types.TagStudyInstanceUID)
	if studyUID == "" {
		r.logger.WarnContext(ctx, "Skipping study record without instance UID")
		return nil
	}

	series, err := r.querier.Query(ctx, studySeriesPath(studyUID), url.Values{
		"includefield": {studySeriesFields},
	})
	if err != nil {
		return err
	}
	if len(series) == 0 {
		return nil
	}

	// Patient is taken from each study record since the issuer may differ.
	patientNode, err := r.patientNode(ctx, study)
	if err != nil {
		return err
	}
	studyNode, err := r.studyNode(patientNode, study)
	if err != nil {
		return err
	}

	var errs []error
	for _, record := range series {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.fillSeriesRecord(ctx, patientNode, studyNode, record); err != nil {
			if errors.Is(err, dferrors.ErrIllegalInput) {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Resolver) fillSeriesRecord(ctx context.Context, patient, study model.Node, record *dicom.Dataset) error {
	seriesNode, ok, err := r.seriesNode(ctx, study, record)
	if err != nil || !ok {
		return err
	}
	fillErr := r.fillInstances(ctx, study.Key, seriesNode)
	schedErr := r.schedule(ctx, patient, study, seriesNode)
	return errors.Join(fillErr, schedErr)
}

// fillInstances queries the instances of a series and merges them into its
// manifest.
func (r *Resolver) fillInstances(ctx context.Context, studyUID string, series model.Node) error {
	records, err := r.querier.Query(ctx, seriesInstancesPath(studyUID, series.Key), url.Values{
		"includefield": {seriesSOPFields},
	})
	if err != nil {
		return err
	}
	added, err := r.tree.AddInstances(series.ID, instanceRefs(records))
	if err != nil {
		return err
	}
	if added > 0 {
		r.logger.DebugContext(ctx, "Merged instances into series manifest",
			"series_uid", series.Key,
			"added", added)
	}
	return nil
}

func (r *Resolver) resolveSeries(ctx context.Context, uid string) error {
	records, err := r.querier.Query(ctx, "/series", lookupParams(types.TagSeriesInstanceUID, uid, seriesLookupFields))
	if err != nil {
		return err
	}

	var errs []error
	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		patientNode, studyNode, err := r.ancestors(ctx, record)
		if err != nil {
			return err
		}
		if err := r.fillSeriesRecord(ctx, patientNode, studyNode, record); err != nil {
			if errors.Is(err, dferrors.ErrIllegalInput) {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Resolver) resolveInstance(ctx context.Context, uid string) error {
	records, err := r.querier.Query(ctx, "/instances", lookupParams(types.TagSOPInstanceUID, uid, sopLookupFields))
	if err != nil {
		return err
	}

	// Records are grouped by series so each manifest is merged once, in
	// response order, before its task is scheduled.
	type group struct {
		patient, study, series model.Node
		refs                   []types.InstanceReference
	}
	var groups []*group
	bySeries := make(map[model.NodeID]*group)

	for _, record := range records {
		patientNode, studyNode, err := r.ancestors(ctx, record)
		if err != nil {
			return err
		}
		seriesNode, ok, err := r.seriesNode(ctx, studyNode, record)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		g, seen := bySeries[seriesNode.ID]
		if !seen {
			g = &group{patient: patientNode, study: studyNode, series: seriesNode}
			bySeries[seriesNode.ID] = g
			groups = append(groups, g)
		}
		g.refs = append(g.refs, instanceRefs([]*dicom.Dataset{record})...)
	}

	var errs []error
	for _, g := range groups {
		if _, err := r.tree.AddInstances(g.series.ID, g.refs); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := r.schedule(ctx, g.patient, g.study, g.series); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ancestors finds or creates the patient and study a series or instance
// record belongs to.
func (r *Resolver) ancestors(ctx context.Context, record *dicom.Dataset) (model.Node, model.Node, error) {
	patientNode, err := r.patientNode(ctx, record)
	if err != nil {
		return model.Node{}, model.Node{}, err
	}
	studyNode, err := r.studyNode(patientNode, record)
	if err != nil {
		return model.Node{}, model.Node{}, err
	}
	return patientNode, studyNode, nil
}

func (r *Resolver) patientNode(ctx context.Context, record *dicom.Dataset) (model.Node, error) {
	if record == nil {
		return model.Node{}, dferrors.IllegalInput("patient dataset")
	}
	node, created, err := r.tree.FindOrCreate(model.Root, model.LevelPatient, PseudoUID(record), func() *dicom.Dataset {
		return record.Subset(patientTags...)
	})
	if err != nil {
		return model.Node{}, err
	}
	if created {
		r.logger.InfoContext(ctx, "Adding new patient",
			"patient_id", record.GetString(types.TagPatientID),
			"patient_name", record.GetString(types.TagPatientName))
	}
	return node, nil
}

func (r *Resolver) studyNode(patient model.Node, record *dicom.Dataset) (model.Node, error) {
	if record == nil {
		return model.Node{}, dferrors.IllegalInput("study dataset")
	}
	studyUID := record.GetString(types.TagStudyInstanceUID)
	if studyUID == "" {
		return model.Node{}, fmt.Errorf("record has no study instance UID")
	}
	node, _, err := r.tree.FindOrCreate(patient.ID, model.LevelStudy, studyUID, func() *dicom.Dataset {
		return record.Subset(studyTags...)
	})
	return node, err
}

// seriesNode finds or creates the series of a record. Records without a
// series UID are skipped and reported with ok == false.
func (r *Resolver) seriesNode(ctx context.Context, study model.Node, record *dicom.Dataset) (model.Node, bool, error) {
	if record == nil {
		return model.Node{}, false, dferrors.IllegalInput("series dataset")
	}
	seriesUID := record.GetString(types.TagSeriesInstanceUID)
	if seriesUID == "" {
		r.logger.WarnContext(ctx, "Skipping series record without instance UID", "study_uid", study.Key)
		return model.Node{}, false, nil
	}
	node, created, err := r.tree.FindOrCreate(study.ID, model.LevelSeries, seriesUID, func() *dicom.Dataset {
		return record.Subset(seriesTags...)
	})
	if err != nil {
		return model.Node{}, false, err
	}
	if created {
		r.logger.DebugContext(ctx, "Adding new series",
			"study_uid", study.Key,
			"series_uid", seriesUID,
			"modality", record.GetString(types.TagModality))
	}
	return node, true, nil
}

func instanceRefs(records []*dicom.Dataset) []types.InstanceReference {
	refs := make([]types.InstanceReference, 0, len(records))
	for _, record := range records {
		if record == nil {
			continue
		}
		ref := types.InstanceReference{
			SOPInstanceUID: record.GetString(types.TagSOPInstanceUID),
			RetrieveURL:    record.GetString(types.TagRetrieveURL),
		}
		if n, ok := record.GetInt(types.TagInstanceNumber); ok {
			ref.Number = &n
		}
		refs = append(refs, ref)
	}
	return refs
}
