package storage

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"
)

type testLogger struct {
	*zap.SugaredLogger
}

func (l testLogger) Printf(format string, v ...interface{}) {
	l.Infof(format, v...)
}

func newTestLogger(t *testing.T) Logger {
	return testLogger{zaptest.NewLogger(t).Sugar()}
}

func fixedUsage(total, free uint64) UsageFunc {
	return func(string) (Usage, error) {
		return Usage{Total: total, Used: total - free, Free: free}, nil
	}
}

func writeSegments(t *testing.T, dir string, seqs ...int) {
	t.Helper()
	for _, seq := range seqs {
		err := os.WriteFile(filepath.Join(dir, SegmentName(seq)), []byte{0xFF, 0xD8, 0xFF, 0xD9}, 0644)
		test.That(t, err, test.ShouldBeNil)
	}
}
