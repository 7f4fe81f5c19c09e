package download

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	dferrors "github.com/caio-sobreiro/dicomfetch/errors"
	"github.com/caio-sobreiro/dicomfetch/model"
	"github.com/caio-sobreiro/dicomfetch/types"
)

type fakeFetcher struct {
	mu      sync.Mutex
	calls   []string
	fail    map[string]bool
	delay   time.Duration
	current atomic.Int32
	peak    atomic.Int32
	onFetch func(ref types.InstanceReference)
	content func(ref types.InstanceReference) []byte
}

func (f *fakeFetcher) FetchInstance(ctx context.Context, studyUID, seriesUID string, ref types.InstanceReference) ([]byte, error) {
	n := f.current.Add(1)
	defer f.current.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, ref.SOPInstanceUID)
	fail := f.fail[ref.SOPInstanceUID]
	onFetch := f.onFetch
	f.mu.Unlock()

	if onFetch != nil {
		onFetch(ref)
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("404 not found")
	}
	if f.content != nil {
		return f.content(ref), nil
	}
	return []byte("DICM:" + ref.SOPInstanceUID), nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func seriesWithInstances(t *testing.T, n int) (*model.Tree, model.Node) {
	t.Helper()
	tree := model.NewTree()
	patient, _, err := tree.FindOrCreate(model.Root, model.LevelPatient, "P1", nil)
	require.NoError(t, err)
	study, _, err := tree.FindOrCreate(patient.ID, model.LevelStudy, "1.2", nil)
	require.NoError(t, err)
	series, _, err := tree.FindOrCreate(study.ID, model.LevelSeries, "1.2.3", nil)
	require.NoError(t, err)

	refs := make([]types.InstanceReference, n)
	for i := range refs {
		refs[i] = types.InstanceReference{SOPInstanceUID: fmt.Sprintf("1.2.3.%d", i+1)}
	}
	_, err = tree.AddInstances(series.ID, refs)
	require.NoError(t, err)
	return tree, series
}

func TestWADOLoader_FetchesManifest(t *testing.T) {
	tree, series := seriesWithInstances(t, 6)
	fetcher := &fakeFetcher{delay: 5 * time.Millisecond}
	sink := DirSink{Root: t.TempDir()}

	loader := &WADOLoader{Manifests: tree, Fetcher: fetcher, Sink: sink}
	task := NewTask(series.ID, "1.2", "1.2.3", Priority{SubseriesUID: "1.2.3"}, 2)

	require.NoError(t, loader.Load(context.Background(), task))
	require.Equal(t, 6, fetcher.callCount())
	require.LessOrEqual(t, fetcher.peak.Load(), int32(2))

	data, err := os.ReadFile(filepath.Join(sink.Root, "1.2", "1.2.3", "1.2.3.4.dcm"))
	require.NoError(t, err)
	require.Equal(t, "DICM:1.2.3.4", string(data))
}

func TestWADOLoader_PicksUpGrowingManifest(t *testing.T) {
	tree, series := seriesWithInstances(t, 2)
	var once sync.Once
	fetcher := &fakeFetcher{}
	fetcher.onFetch = func(types.InstanceReference) {
		once.Do(func() {
			_, _ = tree.AddInstances(series.ID, []types.InstanceReference{{SOPInstanceUID: "1.2.3.99"}})
		})
	}

	loader := &WADOLoader{Manifests: tree, Fetcher: fetcher, Sink: DirSink{Root: t.TempDir()}}
	task := NewTask(series.ID, "1.2", "1.2.3", Priority{SubseriesUID: "1.2.3"}, 1)

	require.NoError(t, loader.Load(context.Background(), task))
	require.Equal(t, 3, fetcher.callCount())
}

func TestWADOLoader_PartialFailure(t *testing.T) {
	tree, series := seriesWithInstances(t, 4)
	fetcher := &fakeFetcher{fail: map[string]bool{"1.2.3.2": true}}

	loader := &WADOLoader{Manifests: tree, Fetcher: fetcher, Sink: DirSink{Root: t.TempDir()}}
	task := NewTask(series.ID, "1.2", "1.2.3", Priority{SubseriesUID: "1.2.3"}, 4)

	err := loader.Load(context.Background(), task)
	var retrieveErr *dferrors.RetrieveError
	require.ErrorAs(t, err, &retrieveErr)
	require.Equal(t, 1, retrieveErr.Failed)
	require.Equal(t, 4, retrieveErr.Total)
	require.Equal(t, 4, fetcher.callCount(), "siblings keep going after one failure")
}

// part10 wraps a File Meta group naming sopInstanceUID around a one element
// dataset.
func part10(sopInstanceUID string) []byte {
	data := make([]byte, 128)
	data = append(data, "DICM"...)
	for _, el := range []struct {
		element uint16
		value   string
	}{{0x0003, sopInstanceUID}, {0x0010, "1.2.840.10008.1.2.1\x00"}} {
		data = binary.LittleEndian.AppendUint16(data, 0x0002)
		data = binary.LittleEndian.AppendUint16(data, el.element)
		data = append(data, 'U', 'I')
		data = binary.LittleEndian.AppendUint16(data, uint16(len(el.value)))
		data = append(data, el.value...)
	}
	return append(data, 0x10, 0x00, 0x10, 0x00, 'P', 'N', 0x02, 0x00, 'X', ' ')
}

func TestWADOLoader_RejectsMismatchedInstance(t *testing.T) {
	tree, series := seriesWithInstances(t, 3)
	fetcher := &fakeFetcher{content: func(ref types.InstanceReference) []byte {
		if ref.SOPInstanceUID == "1.2.3.3" {
			return part10("9.9.9")
		}
		return part10(ref.SOPInstanceUID)
	}}
	sink := DirSink{Root: t.TempDir()}

	loader := &WADOLoader{Manifests: tree, Fetcher: fetcher, Sink: sink}
	task := NewTask(series.ID, "1.2", "1.2.3", Priority{SubseriesUID: "1.2.3"}, 1)

	err := loader.Load(context.Background(), task)
	var retrieveErr *dferrors.RetrieveError
	require.ErrorAs(t, err, &retrieveErr)
	require.Equal(t, 1, retrieveErr.Failed)
	require.ErrorContains(t, err, "does not match")

	_, err = os.Stat(filepath.Join(sink.Root, "1.2", "1.2.3", "1.2.3.1.dcm"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(sink.Root, "1.2", "1.2.3", "1.2.3.3.dcm"))
	require.True(t, os.IsNotExist(err))
}

func TestWADOLoader_LogsTransferSyntax(t *testing.T) {
	tree, series := seriesWithInstances(t, 1)
	fetcher := &fakeFetcher{content: func(ref types.InstanceReference) []byte {
		return part10(ref.SOPInstanceUID)
	}}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	loader := &WADOLoader{Manifests: tree, Fetcher: fetcher, Sink: DirSink{Root: t.TempDir()}, Logger: logger}
	task := NewTask(series.ID, "1.2", "1.2.3", Priority{SubseriesUID: "1.2.3"}, 1)

	require.NoError(t, loader.Load(context.Background(), task))
	require.Contains(t, buf.String(), `transfer_syntax="Explicit VR Little Endian"`)
	require.Contains(t, buf.String(), "compressed=false")
	require.Contains(t, buf.String(), "lossless=true")
}

func TestWADOLoader_ZeroConcurrencyFetchesSerially(t *testing.T) {
	tree, series := seriesWithInstances(t, 3)
	fetcher := &fakeFetcher{}
	loader := &WADOLoader{Manifests: tree, Fetcher: fetcher, Sink: DirSink{Root: t.TempDir()}}
	task := &Task{Series: series.ID, StudyUID: "1.2", SeriesUID: "1.2.3"}

	done := make(chan error, 1)
	go func() { done <- loader.Load(context.Background(), task) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("Load did not return for a task without a concurrency limit")
	}
	require.Equal(t, 3, fetcher.callCount())
	require.Equal(t, int32(1), fetcher.peak.Load())
}

func TestWADOLoader_StopsOnCancel(t *testing.T) {
	tree, series := seriesWithInstances(t, 20)
	ctx, cancel := context.WithCancel(context.Background())

	fetcher := &fakeFetcher{delay: time.Second}
	fetcher.onFetch = func(types.InstanceReference) { cancel() }

	loader := &WADOLoader{Manifests: tree, Fetcher: fetcher, Sink: DirSink{Root: t.TempDir()}}
	task := NewTask(series.ID, "1.2", "1.2.3", Priority{SubseriesUID: "1.2.3"}, 1)

	err := loader.Load(ctx, task)
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, fetcher.callCount(), 20)
}

func TestDirSink_Path(t *testing.T) {
	sink := DirSink{Root: "/data"}
	task := NewTask(1, "1.2", "1.2.3", Priority{SubseriesUID: "1.2.3"}, 1)
	frame := 3

	tests := []struct {
		name string
		ref  types.InstanceReference
		want string
	}{
		{"Plain", types.InstanceReference{SOPInstanceUID: "1.2.3.4"}, "/data/1.2/1.2.3/1.2.3.4.dcm"},
		{"Numbered", types.InstanceReference{SOPInstanceUID: "1.2.3.4", Number: &frame}, "/data/1.2/1.2.3/1.2.3.4_3.dcm"},
		{"Traversal", types.InstanceReference{SOPInstanceUID: "../etc/passwd"}, "/data/1.2/1.2.3/.._etc_passwd.dcm"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, filepath.FromSlash(tt.want), sink.Path(task, tt.ref))
		})
	}
}
