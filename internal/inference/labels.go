package inference

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Names maps a class index to its label.
type Names []string

// Name returns the label for idx, or "class_<idx>" when the table has no
// entry so an outdated table never drops a detection.
func (n Names) Name(idx int) string {
	if idx >= 0 && idx < len(n) && n[idx] != "" {
		return n[idx]
	}
	return fmt.Sprintf("class_%d", idx)
}

type datasetFile struct {
	Names yaml.Node `yaml:"names"`
}

// LoadLabels reads the `names` table of a YOLO dataset file such as
// coco128.yaml. Both the list form and the index-keyed map form are accepted.
func LoadLabels(path string) (Names, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read labels %s: %w", path, err)
	}
	return ParseLabels(data)
}

func ParseLabels(data []byte) (Names, error) {
	var f datasetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse labels: %w", err)
	}

	switch f.Names.Kind {
	case yaml.SequenceNode:
		var names []string
		if err := f.Names.Decode(&names); err != nil {
			return nil, fmt.Errorf("decode names list: %w", err)
		}
		return Names(names), nil
	case yaml.MappingNode:
		var m map[int]string
		if err := f.Names.Decode(&m); err != nil {
			return nil, fmt.Errorf("decode names map: %w", err)
		}
		idx := make([]int, 0, len(m))
		for k := range m {
			if k < 0 {
				return nil, fmt.Errorf("negative class index %d", k)
			}
			idx = append(idx, k)
		}
		sort.Ints(idx)
		if len(idx) == 0 {
			return Names{}, nil
		}
		names := make(Names, idx[len(idx)-1]+1)
		for _, k := range idx {
			names[k] = m[k]
		}
		return names, nil
	case 0:
		return nil, fmt.Errorf("labels file has no names table")
	}
	return nil, fmt.Errorf("unsupported names table (yaml kind %d)", f.Names.Kind)
}
