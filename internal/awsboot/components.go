package awsboot

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-detect/internal/config"
	"github.com/fpang/photo-detect/internal/inference"
	"github.com/fpang/photo-detect/internal/producer"
	"github.com/fpang/photo-detect/internal/publisher"
	"github.com/fpang/photo-detect/internal/worker"
)

// NewEngine selects the inference engine named by WORKER_ENGINE.
func NewEngine(c *config.Config) (inference.Engine, error) {
	switch strings.ToLower(c.Worker.Engine) {
	case "http", "":
		return inference.NewHTTPEngine(c.Worker.EngineURL, c.Worker.EngineTimeout), nil
	case "command":
		e, err := inference.NewCommandEngine(c.Worker.EngineCommand, c.Worker.EngineDir)
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown WORKER_ENGINE %q (want http or command)", c.Worker.Engine)
	}
}

// LoadNames reads the class-name table. A missing file is tolerated and
// labels fall back to "class_N".
func LoadNames(c *config.Config) (inference.Names, error) {
	names, err := inference.LoadLabels(c.Worker.LabelsFile)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn().Str("path", c.Worker.LabelsFile).Msg("Labels file not found, using class indexes")
		return nil, nil
	}
	return names, err
}

// NewPublisher notifies the front-end when PUBLISHER_FRONT_URL is set and
// only logs otherwise.
func NewPublisher(c *config.Config) worker.Publisher {
	if c.Publisher.FrontURL == "" {
		return publisher.LogOnly{}
	}
	return publisher.NewHTTPNotifier(c.Publisher.FrontURL, c.Publisher.Timeout, c.PublisherPolicy())
}

// NewProcessor assembles the worker's per-message processor.
func NewProcessor(c *config.Config, cl *Clients) (*worker.Processor, error) {
	engine, err := NewEngine(c)
	if err != nil {
		return nil, err
	}
	names, err := LoadNames(c)
	if err != nil {
		return nil, err
	}
	return worker.NewProcessor(cl.Bucket, cl.Store, engine, names, NewPublisher(c), cl.Queue, c.ProcessorConfig()), nil
}

// NewProducer assembles the upload handoff.
func NewProducer(c *config.Config, cl *Clients) *producer.Producer {
	return producer.New(cl.Bucket, cl.Queue, c.ProducerConfig())
}
