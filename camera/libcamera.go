package camera

import (
	"os/exec"
	"strconv"
	"strings"
)

// isLibcameraAvailable checks if rpicam-vid is installed
func isLibcameraAvailable(logger Logger) bool {
	_, err := exec.LookPath("rpicam-vid")
	if err != nil {
		logger.Debugf("rpicam-vid not found: %v", err)
		return false
	}
	return true
}

// IsCSICamera detects if a CSI camera is attached through libcamera.
func IsCSICamera(logger Logger) bool {
	if !isLibcameraAvailable(logger) {
		return false
	}

	// rpicam-still lists attached sensors and prints "No cameras available!" otherwise
	output, err := exec.Command("rpicam-still", "--list-cameras").CombinedOutput()
	if err != nil {
		logger.Debugf("rpicam-still enumeration failed: %v", err)
		return false
	}
	out := strings.ToLower(string(output))
	return strings.Contains(out, "available cameras") && !strings.Contains(out, "no cameras")
}

// rpicamCommand streams MJPEG to stdout until killed.
func rpicamCommand(p Profile) (string, []string) {
	args := []string{
		"-t", "0", // run until killed
		"--width", strconv.Itoa(p.Width),
		"--height", strconv.Itoa(p.Height),
		"--framerate", strconv.Itoa(p.FPS),
		"--codec", "mjpeg",
		"--quality", strconv.Itoa(jpegQuality(p.Quality)),
		"--nopreview",
	}
	if p.Grayscale {
		args = append(args, "--saturation", "0")
	}
	args = append(args, "-o", "-")
	return "rpicam-vid", args
}
