package loginwatch

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const artifactTime = "20060102T150405.000Z"

// SaveQR writes a data-URI QR payload under dir as
// <UTC timestamp>.<ext> and returns the file path. Payloads that are plain
// URLs are not fetched: SaveQR returns "" and no error.
func SaveQR(dir, payload string, now time.Time) (string, error) {
	mime, data, ok := parseDataURI(payload)
	if !ok {
		return "", nil
	}
	img, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		if img, err = base64.RawStdEncoding.DecodeString(data); err != nil {
			return "", fmt.Errorf("loginwatch: qr payload: %w", err)
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("loginwatch: qr dir: %w", err)
	}
	name := now.UTC().Format(artifactTime) + "." + extFor(mime)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, img, 0o644); err != nil {
		return "", fmt.Errorf("loginwatch: write qr: %w", err)
	}
	return path, nil
}

// SaveScreenshot writes a PNG under dir as
// <prefix>_<UTC timestamp>_<uuid>.png and returns the file path.
func SaveScreenshot(dir, prefix string, png []byte, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("loginwatch: screenshot dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s_%s.png", prefix, now.UTC().Format(artifactTime), uuid.NewString())
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", fmt.Errorf("loginwatch: write screenshot: %w", err)
	}
	return path, nil
}

// parseDataURI splits "data:<mime>;base64,<data>".
func parseDataURI(s string) (mime, data string, ok bool) {
	rest, found := strings.CutPrefix(s, "data:")
	if !found {
		return "", "", false
	}
	meta, data, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mime, enc, _ := strings.Cut(meta, ";")
	if enc != "base64" || !strings.HasPrefix(mime, "image/") || data == "" {
		return "", "", false
	}
	return mime, data, true
}

func extFor(mime string) string {
	switch mime {
	case "image/png":
		return "png"
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	case "image/svg+xml":
		return "svg"
	}
	return "img"
}
