// Package peerreview runs the peer-review worker and the review
// submission rules the XRPC frontend enforces on its behalf:
// probabilistic reviewer invitation, materialization of approved
// arguments as governance copies, and the quorum promotion rule as
// auditable configuration.
package peerreview

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed criteria.yaml
var defaultCriteriaYAML []byte

// Criterion is one entry of the review rubric a reviewer scores an
// argument against.
type Criterion struct {
	Key         string `yaml:"key" json:"key"`
	Label       string `yaml:"label" json:"label"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Rubric is the ordered list of review criteria. It is loaded once at
// startup from PEER_REVIEW_CRITERIA (YAML, which also accepts the JSON
// list the reference deployment ships) and falls back to the embedded
// default rubric when unset.
type Rubric struct {
	Criteria []Criterion
}

// LoadRubric parses raw as a YAML/JSON criteria list, or returns the
// embedded default rubric when raw is empty.
func LoadRubric(raw string) (*Rubric, error) {
	data := []byte(raw)
	if raw == "" {
		data = defaultCriteriaYAML
	}
	var criteria []Criterion
	if err := yaml.Unmarshal(data, &criteria); err != nil {
		return nil, fmt.Errorf("peerreview: parse criteria: %w", err)
	}
	if len(criteria) == 0 {
		return nil, fmt.Errorf("peerreview: criteria list is empty")
	}
	for i, c := range criteria {
		if c.Key == "" || c.Label == "" {
			return nil, fmt.Errorf("peerreview: criterion %d missing key or label", i)
		}
	}
	return &Rubric{Criteria: criteria}, nil
}

// Keys returns the rubric's criterion keys in order.
func (r *Rubric) Keys() []string {
	out := make([]string, len(r.Criteria))
	for i, c := range r.Criteria {
		out[i] = c.Key
	}
	return out
}

// Has reports whether key names a known criterion.
func (r *Rubric) Has(key string) bool {
	for _, c := range r.Criteria {
		if c.Key == key {
			return true
		}
	}
	return false
}
