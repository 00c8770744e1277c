package vision

import (
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/vs-detect/pipeline"
	"github.com/khaledhikmat/vs-detect/service/config"
)

// NewSource builds the frame source a source entry asks for.
func NewSource(name string, src config.Source) (pipeline.FrameSource, error) {
	switch src.Type {
	case config.SourceGrabber, "":
		return NewOverwritingGrabber(name, src.Location), nil
	case config.SourceLimiter:
		return NewRateLimiter(name, src.Location, src.FrameRate), nil
	case config.SourceDirectory:
		return NewDirectoryFrames(name, src.Location, src.PollInterval), nil
	case config.SourceCapture:
		return NewCapture(name, src.Location), nil
	default:
		return nil, xerrors.Errorf("unknown source type %q", src.Type)
	}
}
