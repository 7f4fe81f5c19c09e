// Package interfaces contains the collaborator contracts between the query,
// resolve and download layers.
package interfaces

import (
	"context"
	"net/url"

	"github.com/caio-sobreiro/dicomfetch/dicom"
	"github.com/caio-sobreiro/dicomfetch/types"
)

// Querier issues a single QIDO-RS style query. path is relative to the
// service base URL (e.g. "/studies"); records are returned in response order.
type Querier interface {
	Query(ctx context.Context, path string, params url.Values) ([]*dicom.Dataset, error)
}

// InstanceFetcher retrieves the content of one SOP instance of a series.
type InstanceFetcher interface {
	FetchInstance(ctx context.Context, studyUID, seriesUID string, ref types.InstanceReference) ([]byte, error)
}
