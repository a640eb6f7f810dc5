package camera

import (
	"bufio"
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
)

const (
	// Frame extraction buffers
	TailBufferSizeKB = 1024 // Read last 1MB of a segment (640x480 frames are 30-150KB)
	MaxFrameSizeKB   = 512  // Max distance searched backwards for a frame start
	MinFileSize      = 100  // Segments smaller than this hold no complete frame
	BytesPerKB       = 1024
)

var (
	soi = []byte{0xFF, 0xD8}
	eoi = []byte{0xFF, 0xD9}
)

// ScanJPEG is a bufio.SplitFunc that splits a concatenated MJPEG stream into single
// JPEG images, from an SOI marker up to and including the next EOI marker. Bytes
// outside a marker pair are skipped.
func ScanJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, soi)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// Keep a trailing 0xFF: it may be the first half of the next SOI.
		if n := len(data); n > 0 && data[n-1] == 0xFF {
			return n - 1, nil, nil
		}
		return len(data), nil, nil
	}

	end := bytes.Index(data[start+len(soi):], eoi)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	end += start + len(soi) + len(eoi)
	return end, data[start:end], nil
}

// NewJPEGScanner returns a scanner yielding one JPEG per token. Tokens are only valid
// until the next call to Scan.
func NewJPEGScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*BytesPerKB), 2*MaxFrameSizeKB*BytesPerKB)
	s.Split(ScanJPEG)
	return s
}

// LastFrame returns a copy of the last complete JPEG in a segment file. It works on
// a file that is still being appended to. Memory mapping is used where possible.
func LastFrame(path string) ([]byte, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return lastFrameFallback(path)
	}
	defer r.Close()

	size := int64(r.Len())
	if size < MinFileSize {
		return nil, ErrNoFrame
	}
	readSize := int64(TailBufferSizeKB * BytesPerKB)
	if readSize > size {
		readSize = size
	}

	buf := make([]byte, readSize)
	n, err := r.ReadAt(buf, size-readSize)
	if err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return findLastJPEG(buf[:n])
}

func lastFrameFallback(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat %s", path)
	}
	size := info.Size()
	if size < MinFileSize {
		return nil, ErrNoFrame
	}
	readSize := int64(TailBufferSizeKB * BytesPerKB)
	if readSize > size {
		readSize = size
	}

	buf := make([]byte, readSize)
	n, err := file.ReadAt(buf, size-readSize)
	if err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return findLastJPEG(buf[:n])
}

// findLastJPEG scans backwards for the last EOI and the SOI that opens it.
func findLastJPEG(buf []byte) ([]byte, error) {
	end := bytes.LastIndex(buf, eoi)
	if end < 0 {
		return nil, ErrNoFrame
	}
	end += len(eoi)

	limit := end - MaxFrameSizeKB*BytesPerKB
	if limit < 0 {
		limit = 0
	}
	start := bytes.LastIndex(buf[limit:end-len(eoi)], soi)
	if start < 0 {
		return nil, ErrNoFrame
	}
	start += limit

	frame := make([]byte, end-start)
	copy(frame, buf[start:end])
	return frame, nil
}
