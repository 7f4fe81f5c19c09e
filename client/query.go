package client

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/caio-sobreiro/dicomfetch/dicom"
	dferrors "github.com/caio-sobreiro/dicomfetch/errors"
)

// Query performs a single QIDO-RS GET and returns the matching attribute
// records in response order. The configured query extension is merged into
// params. Every failure is reported as *errors.QueryError; there is no retry.
func (c *Client) Query(ctx context.Context, path string, params url.Values) ([]*dicom.Dataset, error) {
	if path == "" {
		return nil, fmt.Errorf("query path cannot be empty")
	}

	merged := url.Values{}
	for key, values := range params {
		merged[key] = append([]string(nil), values...)
	}
	for key, values := range c.extension {
		for _, v := range values {
			merged.Add(key, v)
		}
	}

	target := c.requestURL(path, merged)
	c.logger.DebugContext(ctx, "QIDO-RS request", "url", target)

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", mediaTypeDICOMJSON).
		SetHeaders(c.queryHeaders).
		SetQueryParamsFromValues(merged).
		SetDoNotParseResponse(true).
		Get(path)
	if err != nil {
		return nil, dferrors.NewQueryError(target, 0, dferrors.NewNetworkError("query", err))
	}

	body := resp.RawBody()
	defer body.Close()

	if !resp.IsSuccess() {
		detail, _ := io.ReadAll(io.LimitReader(body, 1024))
		c.logger.WarnContext(ctx, "QIDO-RS returned non-success status",
			"url", target,
			"status", resp.StatusCode(),
			"response_body", string(detail))
		return nil, dferrors.NewQueryError(target, resp.StatusCode(), fmt.Errorf("unexpected status %s", resp.Status()))
	}

	datasets, err := dicom.ParseJSONDatasets(body)
	if err != nil {
		return nil, dferrors.NewQueryError(target, resp.StatusCode(), err)
	}

	c.logger.DebugContext(ctx, "QIDO-RS response parsed",
		"url", target,
		"status", resp.StatusCode(),
		"records", len(datasets))

	return datasets, nil
}
