package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	dferrors "github.com/caio-sobreiro/dicomfetch/errors"
	"github.com/caio-sobreiro/dicomfetch/types"
)

const seriesBody = `[
 {"0020000E": {"vr": "UI", "Value": ["1.2.3.1"]}, "00200011": {"vr": "IS", "Value": [1]}},
 {"0020000E": {"vr": "UI", "Value": ["1.2.3.2"]}, "00200011": {"vr": "IS", "Value": [2]}}
]`

func newTestClient(t *testing.T, handler http.HandlerFunc, mutate ...func(*Config)) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := Config{BaseURL: srv.URL + "/dicom-web/"}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	_, err = New(Config{BaseURL: "not a url"})
	require.Error(t, err)

	_, err = New(Config{BaseURL: "http://pacs", QueryExtension: "&a=%zz"})
	require.Error(t, err)

	c, err := New(Config{BaseURL: "http://pacs/dicom-web/"})
	require.NoError(t, err)
	require.Equal(t, "http://pacs/dicom-web", c.baseURL, "trailing slash is trimmed")
}

func TestQuery_ParsesRecordsInOrder(t *testing.T) {
	var gotPath string
	var gotQuery url.Values
	var gotHeader string

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query()
		gotHeader = r.Header.Get("X-Site")
		w.Header().Set("Content-Type", "application/dicom+json")
		fmt.Fprint(w, seriesBody)
	}, func(cfg *Config) {
		cfg.QueryExtension = "&fuzzymatching=true"
		cfg.QueryHeaders = map[string]string{"X-Site": "north"}
	})

	params := url.Values{}
	params.Set("includefield", "0008103E,00200011")
	records, err := c.Query(context.Background(), "/studies/1.2.3/series", params)
	require.NoError(t, err)
	require.Len(t, records, 2)

	require.Equal(t, "/dicom-web/studies/1.2.3/series", gotPath)
	require.Equal(t, "0008103E,00200011", gotQuery.Get("includefield"))
	require.Equal(t, "true", gotQuery.Get("fuzzymatching"))
	require.Equal(t, "north", gotHeader)

	require.Equal(t, "1.2.3.1", records[0].GetString(types.TagSeriesInstanceUID))
	require.Equal(t, "1.2.3.2", records[1].GetString(types.TagSeriesInstanceUID))
}

func TestQuery_NoContent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	records, err := c.Query(context.Background(), "/studies", url.Values{"00100020": {"NOPE"}})
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestQuery_Failures(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus int
	}{
		{
			name: "Server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
			wantStatus: http.StatusInternalServerError,
		},
		{
			name: "Malformed JSON",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `[{"0020000D": `)
			},
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.handler)

			_, err := c.Query(context.Background(), "/studies", nil)
			require.Error(t, err)

			var qerr *dferrors.QueryError
			require.True(t, errors.As(err, &qerr))
			require.Equal(t, tt.wantStatus, qerr.Status)
			require.Contains(t, qerr.URL, "/dicom-web/studies")
		})
	}
}

func TestQuery_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c, err := New(Config{BaseURL: base})
	require.NoError(t, err)

	_, err = c.Query(context.Background(), "/studies", nil)
	var qerr *dferrors.QueryError
	require.True(t, errors.As(err, &qerr))
	require.Zero(t, qerr.Status)

	var netErr *dferrors.NetworkError
	require.True(t, errors.As(err, &netErr))
}

func TestFetchInstance_Multipart(t *testing.T) {
	var gotAccept, gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", `multipart/related; type="application/dicom"; boundary=XYZ`)
		io.WriteString(w, "--XYZ\r\nContent-Type: application/dicom\r\n\r\nDICM-PAYLOAD\r\n--XYZ--\r\n")
	})

	data, err := c.FetchInstance(context.Background(), "1.2", "1.2.3", types.InstanceReference{SOPInstanceUID: "1.2.3.4"})
	require.NoError(t, err)
	require.Equal(t, "DICM-PAYLOAD", string(data))
	require.Equal(t, "/dicom-web/studies/1.2/series/1.2.3/instances/1.2.3.4", gotPath)
	require.True(t, strings.HasPrefix(gotAccept, "multipart/related"))
}

func TestFetchInstance_DirectURL(t *testing.T) {
	var gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/dicom")
		io.WriteString(w, "RAW")
	})

	ref := types.InstanceReference{SOPInstanceUID: "9.9", RetrieveURL: c.baseURL + "/direct/9.9"}
	data, err := c.FetchInstance(context.Background(), "1", "2", ref)
	require.NoError(t, err)
	require.Equal(t, "RAW", string(data))
	require.Equal(t, "/dicom-web/direct/9.9", gotPath)
}

func TestFetchInstance_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	_, err := c.FetchInstance(context.Background(), "1", "2", types.InstanceReference{SOPInstanceUID: "3"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "404")
}
