package download

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caio-sobreiro/dicomfetch/types"
)

// DirSink writes instances to {Root}/{study}/{series}/{sop}[_n].dcm.
type DirSink struct {
	Root string
}

// Path returns where ref of task is written.
func (d DirSink) Path(task *Task, ref types.InstanceReference) string {
	name := pathSegment(ref.SOPInstanceUID)
	if ref.Number != nil {
		name = fmt.Sprintf("%s_%d", name, *ref.Number)
	}
	return filepath.Join(d.Root, pathSegment(task.StudyUID), pathSegment(task.SeriesUID), name+".dcm")
}

// Store writes data atomically through a temporary file in the target
// directory.
func (d DirSink) Store(ctx context.Context, task *Task, ref types.InstanceReference, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target := d.Path(task, ref)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", target, err)
	}
	return nil
}

// pathSegment keeps a UID from escaping its directory.
func pathSegment(uid string) string {
	uid = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, strings.TrimSpace(uid))
	if uid == "" || uid == "." || uid == ".." {
		return "_"
	}
	return uid
}
