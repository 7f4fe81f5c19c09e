package client

import (
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/url"
	"strings"

	dferrors "github.com/caio-sobreiro/dicomfetch/errors"
	"github.com/caio-sobreiro/dicomfetch/types"
)

// InstancePath composes the WADO-RS path of one instance.
func InstancePath(studyUID, seriesUID, sopInstanceUID string) string {
	return fmt.Sprintf("/studies/%s/series/%s/instances/%s",
		url.PathEscape(studyUID), url.PathEscape(seriesUID), url.PathEscape(sopInstanceUID))
}

// FetchInstance retrieves one instance through WADO-RS. The reference's direct
// RetrieveURL wins over the composed study/series/instance path. A
// multipart/related response yields its first part; any other body is
// returned unchanged.
func (c *Client) FetchInstance(ctx context.Context, studyUID, seriesUID string, ref types.InstanceReference) ([]byte, error) {
	if ref.SOPInstanceUID == "" && ref.RetrieveURL == "" {
		return nil, fmt.Errorf("instance reference requires a SOP instance UID or a retrieve URL")
	}

	path := ref.RetrieveURL
	if path == "" {
		path = InstancePath(studyUID, seriesUID, ref.SOPInstanceUID)
	}
	target := c.requestURL(path, nil)

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", acceptRetrieve).
		SetHeaders(c.retrieveHeaders).
		SetDoNotParseResponse(true).
		Get(path)
	if err != nil {
		return nil, dferrors.NewNetworkError("retrieve", err)
	}

	body := resp.RawBody()
	defer body.Close()

	if !resp.IsSuccess() {
		return nil, fmt.Errorf("retrieve %s: unexpected status %d", target, resp.StatusCode())
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header().Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, dferrors.NewNetworkError("retrieve", err)
		}
		return data, nil
	}

	reader := multipart.NewReader(body, params["boundary"])
	part, err := reader.NextPart()
	if err != nil {
		return nil, fmt.Errorf("retrieve %s: failed to read multipart body: %w", target, err)
	}
	defer part.Close()

	data, err := io.ReadAll(part)
	if err != nil {
		return nil, dferrors.NewNetworkError("retrieve", err)
	}

	c.logger.DebugContext(ctx, "WADO-RS instance retrieved",
		"url", target,
		"sop_instance_uid", ref.SOPInstanceUID,
		"size_bytes", len(data))

	return data, nil
}
