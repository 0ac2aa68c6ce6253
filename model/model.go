// Package model holds the plain data types that make up a compiled
// bucketing configuration, its targeting filters, and the user structs
// evaluated against it.
package model

import (
	"encoding/json"
	"time"
)

// Project describes the DevCycle-style project a config belongs to.
type Project struct {
	ID           string          `json:"_id"`
	Key          string          `json:"key"`
	Organization string          `json:"a0_organization"`
	Settings     ProjectSettings `json:"settings"`
}

// ProjectSettings are project-wide toggles that change evaluation behavior.
type ProjectSettings struct {
	EdgeDB                     EdgeDBSettings       `json:"edgeDB"`
	OptIn                      OptInSettings        `json:"optIn"`
	DisablePassthroughRollouts bool                 `json:"disablePassthroughRollouts"`
	Obfuscation                *ObfuscationSettings `json:"-"`
}

type EdgeDBSettings struct {
	Enabled bool `json:"enabled"`
}

type OptInSettings struct {
	Enabled     bool        `json:"enabled"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	ImageURL    string      `json:"imageURL"`
	Colors      OptInColors `json:"colors"`
}

type OptInColors struct {
	Primary   string `json:"primary"`
	Secondary string `json:"secondary"`
}

type ObfuscationSettings struct {
	Required bool `json:"required"`
	Enabled  bool `json:"enabled"`
}

// Environment identifies the environment a config was compiled for.
type Environment struct {
	ID  string `json:"_id"`
	Key string `json:"key"`
}

// SSEInfo is opaque connection metadata for a transport layer's streaming
// endpoint; this module never opens the connection itself.
type SSEInfo struct {
	Hostname string `json:"hostname"`
	Path     string `json:"path"`
}

// Variable is a declared variable slot: its id/key/type, independent of any
// feature or variation.
type Variable struct {
	ID   string `json:"_id"`
	Type string `json:"type"`
	Key  string `json:"key"`
}

// VariationVariable is a variable's value as set on one specific variation.
type VariationVariable struct {
	VariableID string          `json:"_var"`
	Value      json.RawMessage `json:"value"`
}

// Variation is one named bucket of variable values within a feature.
type Variation struct {
	ID        string              `json:"_id"`
	Name      string              `json:"name"`
	Key       string              `json:"key"`
	Variables []VariationVariable `json:"variables"`
}

// VariableByID returns the variation's value for variableID, if set.
func (v *Variation) VariableByID(variableID string) (*VariationVariable, bool) {
	for i := range v.Variables {
		if v.Variables[i].VariableID == variableID {
			return &v.Variables[i], true
		}
	}
	return nil, false
}

// FeatureVariation names the (feature, variation) pair a user was bucketed
// into.
type FeatureVariation struct {
	Feature   string `json:"_feature"`
	Variation string `json:"_variation"`
}

// Feature is a targetable unit: a set of variations gated by targets.
type Feature struct {
	ID            string               `json:"_id"`
	Type          string               `json:"type"`
	Key           string               `json:"key"`
	Variations    []Variation          `json:"variations"`
	Configuration FeatureConfiguration `json:"configuration"`
	Settings      string               `json:"settings"`
	Tags          []string             `json:"tags"`
}

// VariationByID returns the feature's variation with the given id.
func (f *Feature) VariationByID(id string) (*Variation, bool) {
	for i := range f.Variations {
		if f.Variations[i].ID == id {
			return &f.Variations[i], true
		}
	}
	return nil, false
}

// FeatureConfiguration holds the per-feature targeting rules.
type FeatureConfiguration struct {
	ID               string                `json:"_id"`
	Prerequisites    []FeaturePrerequisite `json:"prerequisites"`
	WinningVariation *FeatureVariation     `json:"winning_variation,omitempty"`
	ForcedUsers      map[string]string     `json:"forced_users"`
	Targets          []Target              `json:"targets"`
}

type FeaturePrerequisite struct {
	Feature    string `json:"_feature"`
	Comparator string `json:"comparator"`
}

// Target is one targeting rule: an audience gate, an optional rollout, and
// the variation distribution applied to users who pass it.
type Target struct {
	ID           string               `json:"_id"`
	Audience     NoIDAudience         `json:"_audience"`
	Rollout      *Rollout             `json:"rollout,omitempty"`
	Distribution []TargetDistribution `json:"distribution"`
	BucketingKey string               `json:"bucketingKey"`
}

// Rollout describes a time-gated ramp that gates whether a target applies at
// all (schedule), or what fraction of bounded-hash space is eligible
// (percentage / discrete stage interpolation).
type Rollout struct {
	Type            string         `json:"type"`
	StartPercentage float64        `json:"startPercentage"`
	StartDate       time.Time      `json:"startDate"`
	Stages          []RolloutStage `json:"stages"`
}

type RolloutStage struct {
	Type       string    `json:"type"`
	Date       time.Time `json:"date"`
	Percentage float64   `json:"percentage"`
}

// TargetDistribution assigns a cumulative percentage slice of bounded-hash
// space to a variation.
type TargetDistribution struct {
	Variation  string  `json:"_variation"`
	Percentage float64 `json:"percentage"`
}

// Audience is a named, referenceable filter tree.
type Audience struct {
	ID      string           `json:"_id"`
	Filters AudienceOperator `json:"filters"`
}

// NoIDAudience is an inline audience (no id) embedded directly on a target.
type NoIDAudience struct {
	Filters AudienceOperator `json:"filters"`
}

// FilterType enumerates the top-level kinds of filter node.
type FilterType string

const (
	FilterTypeAll           FilterType = "all"
	FilterTypeUser          FilterType = "user"
	FilterTypeOptIn         FilterType = "optIn"
	FilterTypeAudienceMatch FilterType = "audienceMatch"
)

// FilterSubType enumerates which user attribute a "user" filter inspects.
type FilterSubType string

const (
	SubTypeUserID          FilterSubType = "user_id"
	SubTypeEmail           FilterSubType = "email"
	SubTypeIP              FilterSubType = "ip"
	SubTypeCountry         FilterSubType = "country"
	SubTypePlatform        FilterSubType = "platform"
	SubTypePlatformVersion FilterSubType = "platformVersion"
	SubTypeAppVersion      FilterSubType = "appVersion"
	SubTypeDeviceModel     FilterSubType = "deviceModel"
	SubTypeCustomData      FilterSubType = "customData"
)

// Comparator enumerates the operators a "user" or "audienceMatch" filter can
// apply.
type Comparator string

const (
	ComparatorEqual        Comparator = "="
	ComparatorNotEqual     Comparator = "!="
	ComparatorGreater      Comparator = ">"
	ComparatorGreaterEqual Comparator = ">="
	ComparatorLess         Comparator = "<"
	ComparatorLessEqual    Comparator = "<="
	ComparatorExist        Comparator = "exist"
	ComparatorNotExist     Comparator = "!exist"
	ComparatorContain      Comparator = "contain"
	ComparatorNotContain   Comparator = "!contain"
	ComparatorStartWith    Comparator = "startWith"
	ComparatorNotStartWith Comparator = "!startWith"
	ComparatorEndWith      Comparator = "endWith"
	ComparatorNotEndWith   Comparator = "!endWith"
)

// Operator enumerates how a filter's children combine.
type Operator string

const (
	OperatorAnd Operator = "and"
	OperatorOr  Operator = "or"
)

// Filter is a single node of a targeting filter tree: a leaf (user /
// audienceMatch / all / optIn) or an internal node combining nested filters
// with an operator.
type Filter struct {
	Type       string            `json:"type"`
	SubType    string            `json:"subType,omitempty"`
	Comparator string            `json:"comparator,omitempty"`
	Values     []json.RawMessage `json:"values,omitempty"`
	Filters    []Filter          `json:"filters,omitempty"`
	Operator   string            `json:"operator,omitempty"`
	Audiences  []string          `json:"_audiences,omitempty"`
}

// AudienceOperator combines a list of filters with "and"/"or" semantics.
type AudienceOperator struct {
	Operator string   `json:"operator"`
	Filters  []Filter `json:"filters"`
}

// Rollout and rollout-stage wire tokens. Anything other than "schedule"
// evaluates as a staged (gradual) rollout; any stage other than "discrete"
// interpolates linearly toward its date.
const (
	RolloutTypeSchedule   = "schedule"
	RolloutTypePercentage = "percentage"
	RolloutTypeGradual    = "gradual"
	RolloutTypeDiscrete   = "discrete"
	RolloutTypeLinear     = "linear"
)

// Variable type string constants.
const (
	VariableTypeString  = "String"
	VariableTypeNumber  = "Number"
	VariableTypeJSON    = "JSON"
	VariableTypeBoolean = "Boolean"
)

// DefaultBucketingValue is used to hash users who have no identifiable
// bucketing value for a target's bucketingKey.
const DefaultBucketingValue = "null"
