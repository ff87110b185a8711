package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-detect/internal/jobs"
)

const maxResponseSize = 4 << 20

// HTTPEngine posts the image as multipart field "image" to a detection
// service and expects
//
//	{"detections":[{"class":0,"cx":0.5,"cy":0.5,"width":0.1,"height":0.2}]}
type HTTPEngine struct {
	url    string
	client *http.Client
}

// NewHTTPEngine returns an engine calling url with the given timeout.
func NewHTTPEngine(url string, timeout time.Duration) *HTTPEngine {
	return &HTTPEngine{url: url, client: &http.Client{Timeout: timeout}}
}

type httpDetection struct {
	Class  *int        `json:"class"`
	CX     json.Number `json:"cx"`
	CY     json.Number `json:"cy"`
	Width  json.Number `json:"width"`
	Height json.Number `json:"height"`
}

type httpResponse struct {
	Detections []httpDetection `json:"detections"`
}

func (e *HTTPEngine) Detect(ctx context.Context, imagePath, _ string) (*Output, error) {
	body, contentType, err := multipartImage(imagePath)
	if err != nil {
		return nil, failure("%v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, body)
	if err != nil {
		return nil, failure("build request: %v", err)
	}
	req.Header.Set("Content-Type", contentType)

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, failure("call %s: %v", e.url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, failure("read response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, failure("engine returned %d: %s", resp.StatusCode, truncate(data, 200))
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var parsed httpResponse
	if err := dec.Decode(&parsed); err != nil {
		return nil, failure("decode response: %v", err)
	}

	dets := make([]Detection, 0, len(parsed.Detections))
	for i, d := range parsed.Detections {
		det, err := d.toDetection()
		if err != nil {
			return nil, failure("detection %d: %v", i, err)
		}
		dets = append(dets, det)
	}

	log.Debug().
		Str("url", e.url).
		Int("detections", len(dets)).
		Dur("elapsed", time.Since(start)).
		Msg("HTTP engine responded")
	return &Output{Detections: dets}, nil
}

func (d httpDetection) toDetection() (Detection, error) {
	if d.Class == nil {
		return Detection{}, fmt.Errorf("missing class")
	}
	var det Detection
	det.ClassIndex = *d.Class
	fields := []struct {
		dst *jobs.Coord
		raw json.Number
	}{{&det.CX, d.CX}, {&det.CY, d.CY}, {&det.Width, d.Width}, {&det.Height, d.Height}}
	for _, f := range fields {
		c, err := jobs.ParseCoord(f.raw.String())
		if err != nil {
			return Detection{}, err
		}
		*f.dst = c
	}
	return det, nil
}

func multipartImage(path string) (io.Reader, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("image", filepath.Base(path))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
