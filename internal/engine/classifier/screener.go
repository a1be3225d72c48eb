package classifier

import (
	"LinkGuard/internal/model"
	"context"
	"encoding/json"
	"fmt"
	"math"
)

const screenerSchemaDoc = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["schema", "version", "tail_length", "trees"],
  "properties": {
    "schema": {"const": "linkguard.screener"},
    "version": {"const": 1},
    "name": {"type": "string"},
    "tail_length": {"type": "integer", "minimum": 1},
    "feature_set": {"enum": ["basic", "standard", "full"]},
    "base_score": {"type": "number"},
    "trees": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["nodes"],
        "properties": {
          "nodes": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "properties": {
                "feature": {"type": "integer", "minimum": 0},
                "threshold": {"type": "number"},
                "yes": {"type": "integer", "minimum": 1},
                "no": {"type": "integer", "minimum": 1},
                "missing": {"type": "integer", "minimum": 1},
                "leaf": {"type": "number"}
              },
              "oneOf": [
                {"required": ["leaf"]},
                {"required": ["feature", "threshold", "yes", "no"]}
              ]
            }
          }
        }
      }
    }
  }
}`

var screenerSchema = mustSchema(screenerSchemaDoc)

type treeNode struct {
	Feature   int      `json:"feature"`
	Threshold float64  `json:"threshold"`
	Yes       int      `json:"yes"`
	No        int      `json:"no"`
	Missing   *int     `json:"missing"`
	Leaf      *float64 `json:"leaf"`
}

type tree struct {
	Nodes []treeNode `json:"nodes"`
}

type screenerArtifact struct {
	Name       string  `json:"name"`
	TailLength int     `json:"tail_length"`
	FeatureSet string  `json:"feature_set"`
	BaseScore  float64 `json:"base_score"`
	Trees      []tree  `json:"trees"`
}

// ScreenerModel is a gradient-boosted tree ensemble over a short tail of
// counts. Node children are addressed by position within their tree and
// always point forward, so evaluation terminates.
type ScreenerModel struct {
	name       string
	tailLength int
	features   FeatureSet
	baseScore  float64
	trees      []tree
}

// LoadScreener reads and validates a screener artifact.
func LoadScreener(path string) (*ScreenerModel, error) {
	data, err := readArtifact(path)
	if err != nil {
		return nil, err
	}
	m, err := ParseScreener(data)
	if err != nil {
		return nil, fmt.Errorf("screener artifact %s: %w", path, err)
	}
	return m, nil
}

// ParseScreener decodes a screener artifact held in memory.
func ParseScreener(data []byte) (*ScreenerModel, error) {
	data, err := inflate(data)
	if err != nil {
		return nil, err
	}
	if err := validate(screenerSchema, data); err != nil {
		return nil, err
	}
	var a screenerArtifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode screener: %w", err)
	}
	fs, err := ParseFeatureSet(a.FeatureSet)
	if err != nil {
		return nil, err
	}
	arity := fs.Arity(a.TailLength)
	for ti, t := range a.Trees {
		for ni, n := range t.Nodes {
			if n.Leaf != nil {
				continue
			}
			if n.Feature >= arity {
				return nil, fmt.Errorf("%w: tree %d node %d uses feature %d, %s set over %d counts has %d",
					model.ErrSchema, ti, ni, n.Feature, fs, a.TailLength, arity)
			}
			children := []int{n.Yes, n.No}
			if n.Missing != nil {
				children = append(children, *n.Missing)
			}
			for _, c := range children {
				if c <= ni || c >= len(t.Nodes) {
					return nil, fmt.Errorf("%w: tree %d node %d has invalid child %d", model.ErrSchema, ti, ni, c)
				}
			}
		}
	}
	return &ScreenerModel{
		name:       a.Name,
		tailLength: a.TailLength,
		features:   fs,
		baseScore:  a.BaseScore,
		trees:      a.Trees,
	}, nil
}

func (s *ScreenerModel) Kind() model.ClassifierKind { return model.Screener }

func (s *ScreenerModel) TailLength() int { return s.tailLength }

func (s *ScreenerModel) FeatureSet() FeatureSet { return s.features }

func (s *ScreenerModel) Version() string {
	if s.name != "" {
		return "linkguard.screener/1 " + s.name
	}
	return "linkguard.screener/1"
}

// Classify scores the tail. An all-zero tail is NoTraffic without evaluating the trees.
func (s *ScreenerModel) Classify(_ context.Context, tail []uint32) (model.Verdict, error) {
	if err := checkTail(s, tail); err != nil {
		return model.Verdict{}, err
	}
	if model.IsIdle(tail) {
		return model.NoTraffic(), nil
	}
	x := make([]float64, s.features.Arity(len(tail)))
	s.features.Extract(tail, x)
	return model.FromProbability(model.Sigmoid(s.Margin(x))), nil
}

// Margin returns the raw ensemble score for a feature vector.
func (s *ScreenerModel) Margin(x []float64) float64 {
	margin := s.baseScore
	for i := range s.trees {
		margin += s.trees[i].eval(x)
	}
	return margin
}

func (t *tree) eval(x []float64) float64 {
	i := 0
	for {
		n := &t.Nodes[i]
		if n.Leaf != nil {
			return *n.Leaf
		}
		v := x[n.Feature]
		switch {
		case math.IsNaN(v) && n.Missing != nil:
			i = *n.Missing
		case v < n.Threshold:
			i = n.Yes
		default:
			i = n.No
		}
	}
}
