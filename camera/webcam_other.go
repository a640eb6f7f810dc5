//go:build !linux

package camera

import (
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

func newV4L2Source(path string, buffers int, clk clock.Clock, logger Logger) (FrameSource, error) {
	return nil, errors.New("v4l2 capture is only available on linux")
}
