package classifier

import (
	"LinkGuard/internal/model"
	"context"
	"encoding/json"
	"fmt"
	"math"
)

const confirmerSchemaDoc = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["schema", "version", "seq_len", "scaler", "filters", "head"],
  "properties": {
    "schema": {"const": "linkguard.confirmer"},
    "version": {"const": 1},
    "name": {"type": "string"},
    "seq_len": {"type": "integer", "minimum": 1},
    "scaler": {
      "type": "object",
      "required": ["mean", "std"],
      "properties": {
        "mean": {"type": "number"},
        "std": {"type": "number", "exclusiveMinimum": 0}
      }
    },
    "filters": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["kernel", "bias"],
        "properties": {
          "kernel": {"type": "array", "minItems": 1, "items": {"type": "number"}},
          "bias": {"type": "number"},
          "dilation": {"type": "integer", "minimum": 1}
        }
      }
    },
    "head": {
      "type": "object",
      "required": ["weights", "bias"],
      "properties": {
        "weights": {"type": "array", "items": {"type": "number"}},
        "bias": {"type": "number"}
      }
    }
  }
}`

var confirmerSchema = mustSchema(confirmerSchemaDoc)

type convFilter struct {
	Kernel   []float64 `json:"kernel"`
	Bias     float64   `json:"bias"`
	Dilation int       `json:"dilation"`
}

func (f convFilter) span() int {
	return (len(f.Kernel)-1)*f.Dilation + 1
}

type linearHead struct {
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
}

type confirmerArtifact struct {
	Name    string              `json:"name"`
	SeqLen  int                 `json:"seq_len"`
	Scaler  model.FeatureScaler `json:"scaler"`
	Filters []convFilter        `json:"filters"`
	Head    linearHead          `json:"head"`
}

// ConfirmerModel is a temporal convolution network over a long, standardized
// tail of counts. Each filter is a dilated 1-D convolution followed by ReLU and
// global average and max pooling; a linear head turns the pooled features into
// one logit.
type ConfirmerModel struct {
	name    string
	seqLen  int
	scaler  model.FeatureScaler
	filters []convFilter
	head    linearHead
}

// LoadConfirmer reads and validates a confirmer artifact.
func LoadConfirmer(path string) (*ConfirmerModel, error) {
	data, err := readArtifact(path)
	if err != nil {
		return nil, err
	}
	m, err := ParseConfirmer(data)
	if err != nil {
		return nil, fmt.Errorf("confirmer artifact %s: %w", path, err)
	}
	return m, nil
}

// ParseConfirmer decodes a confirmer artifact held in memory.
func ParseConfirmer(data []byte) (*ConfirmerModel, error) {
	data, err := inflate(data)
	if err != nil {
		return nil, err
	}
	if err := validate(confirmerSchema, data); err != nil {
		return nil, err
	}
	var a confirmerArtifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode confirmer: %w", err)
	}
	for i := range a.Filters {
		f := &a.Filters[i]
		if f.Dilation == 0 {
			f.Dilation = 1
		}
		if f.span() > a.SeqLen {
			return nil, fmt.Errorf("%w: filter %d spans %d windows, longer than seq_len %d",
				model.ErrSchema, i, f.span(), a.SeqLen)
		}
	}
	if len(a.Head.Weights) != 2*len(a.Filters) {
		return nil, fmt.Errorf("%w: head has %d weights, want %d",
			model.ErrSchema, len(a.Head.Weights), 2*len(a.Filters))
	}
	return &ConfirmerModel{
		name:    a.Name,
		seqLen:  a.SeqLen,
		scaler:  a.Scaler,
		filters: a.Filters,
		head:    a.Head,
	}, nil
}

func (c *ConfirmerModel) Kind() model.ClassifierKind { return model.Confirmer }

func (c *ConfirmerModel) TailLength() int { return c.seqLen }

func (c *ConfirmerModel) Scaler() model.FeatureScaler { return c.scaler }

func (c *ConfirmerModel) Version() string {
	if c.name != "" {
		return "linkguard.confirmer/1 " + c.name
	}
	return "linkguard.confirmer/1"
}

// Classify scores the tail. It checks ctx between filters and returns its
// error once the context is done.
func (c *ConfirmerModel) Classify(ctx context.Context, tail []uint32) (model.Verdict, error) {
	if err := checkTail(c, tail); err != nil {
		return model.Verdict{}, err
	}
	if model.IsIdle(tail) {
		return model.NoTraffic(), nil
	}
	logit, err := c.Logit(ctx, tail)
	if err != nil {
		return model.Verdict{}, err
	}
	return model.FromProbability(model.Sigmoid(logit)), nil
}

// Logit runs the network and returns the pre-sigmoid score. Summation order is
// fixed, so identical input yields a bit-identical result.
func (c *ConfirmerModel) Logit(ctx context.Context, tail []uint32) (float64, error) {
	x := make([]float64, len(tail))
	for i, v := range tail {
		x[i] = c.scaler.Transform(float64(v))
	}

	logit := c.head.Bias
	for fi, f := range c.filters {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		avg, peak := f.pool(x)
		logit += c.head.Weights[2*fi]*avg + c.head.Weights[2*fi+1]*peak
	}
	if math.IsNaN(logit) || math.IsInf(logit, 0) {
		return 0, fmt.Errorf("confirmer produced non-finite logit")
	}
	return logit, nil
}

// pool convolves x with the filter over every fully covered position and
// returns the average and maximum of the ReLU activations.
func (f convFilter) pool(x []float64) (avg, peak float64) {
	k := len(f.Kernel)
	first := f.span() - 1
	var sum float64
	for t := first; t < len(x); t++ {
		s := f.Bias
		for j := 0; j < k; j++ {
			s += f.Kernel[j] * x[t-(k-1-j)*f.Dilation]
		}
		if s < 0 {
			s = 0
		}
		sum += s
		if s > peak {
			peak = s
		}
	}
	return sum / float64(len(x)-first), peak
}
