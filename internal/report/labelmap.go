package report

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// LabelInfo names a class and gives its display colour.
type LabelInfo struct {
	Name  string   `yaml:"name"`
	Color [3]uint8 `yaml:"color"`
}

// UnmarshalYAML accepts either {name, color} or a bare [r, g, b] list.
func (l *LabelInfo) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.SequenceNode {
		return n.Decode(&l.Color)
	}
	type plain LabelInfo
	return n.Decode((*plain)(l))
}

// LabelMap maps class ids to their names and colours.
type LabelMap map[int64]LabelInfo

// LoadLabelMap reads a YAML label map:
//
//	0: {name: unlabeled, color: [0, 0, 0]}
//	5: [0, 200, 0]
func LoadLabelMap(path string) (LabelMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m LabelMap
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse label map %s: %w", path, err)
	}
	return m, nil
}

// Name returns the class name, or "class_<id>" when unknown.
func (m LabelMap) Name(id int64) string {
	if info, ok := m[id]; ok && info.Name != "" {
		return info.Name
	}
	return fmt.Sprintf("class_%d", id)
}

// Hex returns "#rrggbb" for id, or "" when the map has no entry.
func (m LabelMap) Hex(id int64) string {
	info, ok := m[id]
	if !ok {
		return ""
	}
	return fmt.Sprintf("#%02x%02x%02x", info.Color[0], info.Color[1], info.Color[2])
}

// IDs returns the mapped class ids in ascending order.
func (m LabelMap) IDs() []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
