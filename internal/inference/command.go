package inference

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-detect/internal/jobs"
)

// CommandEngine runs a YOLOv5-style detect script:
//
//	<command...> --source <image> --project <workDir> --name run --save-txt --exist-ok
//
// and reads the boxes from <workDir>/run/labels/<stem>.txt, one
// "classIndex cx cy width height" line per box. The script's own annotated
// copy at <workDir>/run/<basename> is returned as AnnotatedPath.
type CommandEngine struct {
	command []string
	dir     string
}

// NewCommandEngine returns an engine running command (program and leading
// arguments, e.g. "python3 detect.py --weights yolov5s.pt") from dir.
func NewCommandEngine(command []string, dir string) (*CommandEngine, error) {
	if len(command) == 0 {
		return nil, errors.New("command engine: empty command")
	}
	return &CommandEngine{command: command, dir: dir}, nil
}

const runName = "run"

func (e *CommandEngine) Detect(ctx context.Context, imagePath, workDir string) (*Output, error) {
	args := append([]string{}, e.command[1:]...)
	args = append(args,
		"--source", imagePath,
		"--project", workDir,
		"--name", runName,
		"--save-txt",
		"--exist-ok",
	)
	cmd := exec.CommandContext(ctx, e.command[0], args...)
	cmd.Dir = e.dir

	start := time.Now()
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, failure("%s: %v: %s", e.command[0], err, tail(out, 400))
	}
	log.Debug().
		Str("image", imagePath).
		Dur("elapsed", time.Since(start)).
		Msg("Detect command finished")

	runDir := filepath.Join(workDir, runName)
	base := filepath.Base(imagePath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	dets, err := ReadLabelFile(filepath.Join(runDir, "labels", stem+".txt"))
	if err != nil {
		return nil, failure("%v", err)
	}

	output := &Output{Detections: dets}
	annotated := filepath.Join(runDir, base)
	if _, err := os.Stat(annotated); err == nil {
		output.AnnotatedPath = annotated
	}
	return output, nil
}

// ReadLabelFile parses a YOLO label file. A missing file means nothing was
// detected.
func ReadLabelFile(path string) ([]Detection, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return []Detection{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var dets []Detection
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 5 {
			return nil, fmt.Errorf("%s:%d: want 5 fields, got %d", path, line, len(fields))
		}
		idx, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: class index: %w", path, line, err)
		}
		var coords [4]jobs.Coord
		for i := range coords {
			if coords[i], err = jobs.ParseCoord(fields[i+1]); err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, line, err)
			}
		}
		dets = append(dets, Detection{ClassIndex: idx, CX: coords[0], CY: coords[1], Width: coords[2], Height: coords[3]})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if dets == nil {
		dets = []Detection{}
	}
	return dets, nil
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return "..." + s[len(s)-n:]
	}
	return s
}
