package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/flagbucket/bucketing/errs"
)

// FullConfig is the as-received, uncompiled wire shape of a bucketing
// config: audiences still keyed by id as raw JSON, no lookup indices built.
type FullConfig struct {
	Project        Project                    `json:"project"`
	Environment    Environment                `json:"environment"`
	Features       []Feature                  `json:"features"`
	Variables      []Variable                 `json:"variables"`
	VariableHashes map[string]uint64          `json:"variableHashes"`
	Audiences      map[string]json.RawMessage `json:"audiences"`
	DebugUsers     []json.RawMessage          `json:"debugUsers"`
	SSE            *SSEInfo                   `json:"sse"`
}

// Config is a compiled bucketing configuration: the raw project/environment/
// feature/variable data plus the lookup indices evaluation needs, built once
// by FromFullConfig and never mutated afterward.
type Config struct {
	Project     Project
	Environment Environment
	Features    []Feature
	Variables   []Variable
	Audiences   map[string]NoIDAudience
	SSE         SSEInfo
	DebugUsers  []json.RawMessage

	// Opaque freshness metadata for callers doing conditional polling.
	// FullConfig has no such fields, so FromFullConfig leaves them zero; the
	// caller sets them, and this module does not interpret them.
	ETag         string
	RayID        string
	LastModified time.Time

	variableIDMap       map[string]Variable
	variableKeyMap      map[string]Variable
	variableIDToFeature map[string]Feature
}

// FromFullConfig parses a FullConfig's raw audiences and compiles the
// lookup indices, returning an immutable, ready-to-use Config. It returns an
// error if any audienceMatch filter references an audience id that isn't
// defined.
func FromFullConfig(full FullConfig) (*Config, error) {
	audiences := make(map[string]NoIDAudience, len(full.Audiences))
	for key, raw := range full.Audiences {
		var a NoIDAudience
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("parse audience %q: %w", key, err)
		}
		audiences[key] = a
	}

	sse := SSEInfo{Hostname: "localhost", Path: "/sse"}
	if full.SSE != nil {
		sse = *full.SSE
	}

	c := &Config{
		Project:     full.Project,
		Environment: full.Environment,
		Features:    full.Features,
		Variables:   full.Variables,
		Audiences:   audiences,
		SSE:         sse,
		DebugUsers:  full.DebugUsers,
	}

	if err := c.validateAudienceReferences(); err != nil {
		return nil, err
	}

	c.compile()
	return c, nil
}

// validateAudienceReferences walks every feature's targets (and each
// audience's own filter tree, since audiences can reference other
// audiences) for audienceMatch filters and confirms every id they name is
// defined in c.Audiences.
func (c *Config) validateAudienceReferences() error {
	for _, feature := range c.Features {
		for _, target := range feature.Configuration.Targets {
			if err := validateFilterAudienceRefs(target.Audience.Filters.Filters, c.Audiences); err != nil {
				return errs.Wrap(errs.UnknownAudience, err, "feature %q, target %q", feature.Key, target.ID)
			}
		}
	}
	for id, audience := range c.Audiences {
		if err := validateFilterAudienceRefs(audience.Filters.Filters, c.Audiences); err != nil {
			return errs.Wrap(errs.UnknownAudience, err, "audience %q", id)
		}
	}
	return nil
}

func validateFilterAudienceRefs(filters []Filter, audiences map[string]NoIDAudience) error {
	for _, f := range filters {
		switch FilterType(f.Type) {
		case FilterTypeAudienceMatch:
			for _, audienceID := range f.Audiences {
				if _, ok := audiences[audienceID]; !ok {
					return fmt.Errorf("audienceMatch filter references unknown audience %q", audienceID)
				}
			}
		default:
			if len(f.Filters) > 0 {
				if err := validateFilterAudienceRefs(f.Filters, audiences); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// compile builds the three lookup indices and sorts each target's
// distribution descending by variation id, matching the wire ordering the
// bucketing engine's distribution walk depends on.
func (c *Config) compile() {
	c.variableIDToFeature = make(map[string]Feature)
	c.variableIDMap = make(map[string]Variable, len(c.Variables))
	c.variableKeyMap = make(map[string]Variable, len(c.Variables))

	for _, feature := range c.Features {
		for _, variation := range feature.Variations {
			for _, v := range variation.Variables {
				if _, exists := c.variableIDToFeature[v.VariableID]; !exists {
					c.variableIDToFeature[v.VariableID] = feature
				}
			}
		}
	}

	for _, v := range c.Variables {
		c.variableKeyMap[v.Key] = v
		c.variableIDMap[v.ID] = v
	}

	for fi := range c.Features {
		for ti := range c.Features[fi].Configuration.Targets {
			dist := c.Features[fi].Configuration.Targets[ti].Distribution
			sort.Slice(dist, func(i, j int) bool {
				return dist[i].Variation > dist[j].Variation
			})
		}
	}
}

func (c *Config) VariableByKey(key string) (Variable, bool) {
	v, ok := c.variableKeyMap[key]
	return v, ok
}

func (c *Config) VariableByID(id string) (Variable, bool) {
	v, ok := c.variableIDMap[id]
	return v, ok
}

func (c *Config) FeatureByKey(key string) (Feature, bool) {
	for _, f := range c.Features {
		if f.Key == key {
			return f, true
		}
	}
	return Feature{}, false
}

func (c *Config) FeatureForVariableID(variableID string) (Feature, bool) {
	f, ok := c.variableIDToFeature[variableID]
	return f, ok
}
