package vision

import (
	"gocv.io/x/gocv"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/vs-detect/model"
)

// Snapshotter writes frames to image files, with the format taken from the
// file extension.
type Snapshotter struct{}

func (Snapshotter) Snapshot(frame *model.Frame, path string) error {
	mat, err := MatOf(frame)
	if err != nil {
		return err
	}
	if ok := gocv.IMWrite(path, *mat); !ok {
		return xerrors.Errorf("unable to write snapshot %s", path)
	}
	return nil
}
