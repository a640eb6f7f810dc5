package camera

import (
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// isFFmpegUsable checks that ffmpeg is installed and can encode MJPEG.
func isFFmpegUsable(logger Logger) bool {
	output, err := exec.Command("ffmpeg", "-hide_banner", "-encoders").CombinedOutput()
	if err != nil {
		logger.Debugf("Failed to query FFmpeg encoders: %v", err)
		return false
	}
	if !strings.Contains(string(output), " mjpeg ") {
		logger.Debugf("FFmpeg has no mjpeg encoder")
		return false
	}
	return true
}

// cameraInput returns the ffmpeg input format and device for the current OS.
func cameraInput(device string) (string, string) {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation", "0"
	case "windows":
		return "dshow", "video=\"USB Video Device\""
	default: // linux
		if device == "" {
			device = DefaultDevice
		}
		return "v4l2", device
	}
}

// ffmpegCommand returns a builder that re-encodes the camera input to MJPEG on stdout.
func ffmpegCommand(device string) commandBuilder {
	return func(p Profile) (string, []string) {
		inputFormat, inputDevice := cameraInput(device)

		args := []string{
			"-hide_banner",
			"-loglevel", "warning",
			"-f", inputFormat,
		}

		// Request MJPEG from the camera when possible, it avoids a raw decode.
		if inputFormat == "v4l2" {
			args = append(args,
				"-input_format", "mjpeg",
				"-video_size", fmt.Sprintf("%dx%d", p.Width, p.Height),
			)
		}

		args = append(args,
			"-framerate", strconv.Itoa(p.FPS),
			// Keep buffers small for low-memory boards
			"-rtbufsize", "5M",
			"-thread_queue_size", "16",
			"-i", inputDevice,
		)

		var filters []string
		if inputFormat != "v4l2" {
			filters = append(filters, fmt.Sprintf("scale=%d:%d", p.Width, p.Height))
		}
		if p.Grayscale {
			filters = append(filters, "hue=s=0")
		}
		if len(filters) > 0 {
			args = append(args, "-vf", strings.Join(filters, ","))
		}

		args = append(args,
			"-c:v", "mjpeg",
			"-q:v", strconv.Itoa(p.Quality),
			"-r", strconv.Itoa(p.FPS),
			"-huffman", "optimal",
			"-f", "mjpeg",
			"pipe:1",
		)
		return "ffmpeg", args
	}
}
