// Package bucket implements the deterministic user-to-variation assignment
// algorithm: target selection, rollout gating, and the cumulative
// distribution walk that picks a variation.
package bucket

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/flagbucket/bucketing/errs"
	"github.com/flagbucket/bucketing/hash"
	"github.com/flagbucket/bucketing/model"
	"github.com/flagbucket/bucketing/segment"
)

// EvalReason records why a variable evaluation resolved the way it did. The
// values are the wire tokens reported in bucketed configs and event payloads.
type EvalReason string

const (
	ReasonTargetingMatch EvalReason = "TARGETING_MATCH"
	ReasonSplit          EvalReason = "SPLIT"
	ReasonDefault        EvalReason = "DEFAULT"
	ReasonDisabled       EvalReason = "DISABLED"
	ReasonError          EvalReason = "ERROR"
)

// AllEvalReasons lists every reason the event queue's aggregate map
// pre-seeds counts for.
var AllEvalReasons = []EvalReason{ReasonTargetingMatch, ReasonSplit, ReasonDefault, ReasonDisabled, ReasonError}

// DefaultReason is the human-readable token reported when a variable
// evaluation fell back to its default value, naming what went wrong.
type DefaultReason string

const (
	DefaultReasonMissingConfig               DefaultReason = "Missing Config"
	DefaultReasonMissingVariable             DefaultReason = "Missing Variable"
	DefaultReasonMissingFeature              DefaultReason = "Missing Feature"
	DefaultReasonMissingVariation            DefaultReason = "Missing Variation"
	DefaultReasonMissingVariableForVariation DefaultReason = "Missing Variable for Variation"
	DefaultReasonUserNotInRollout            DefaultReason = "User Not in Rollout"
	DefaultReasonUserNotTargeted             DefaultReason = "User Not Targeted"
	DefaultReasonInvalidVariableType         DefaultReason = "Invalid Variable Type"
	DefaultReasonVariableTypeMismatch        DefaultReason = "Variable Type Mismatch"
	DefaultReasonUnknown                     DefaultReason = "Unknown"
	DefaultReasonError                       DefaultReason = "Error"
	DefaultReasonNotDefaulted                DefaultReason = ""
)

// DefaultReasonForError maps an evaluation error to the default-reason token
// a caller reports alongside the defaulted value. A nil error means the
// evaluation did not default.
func DefaultReasonForError(err error) DefaultReason {
	if err == nil {
		return DefaultReasonNotDefaulted
	}
	var e *errs.EvalError
	if !errors.As(err, &e) {
		return DefaultReasonUnknown
	}
	switch e.Kind {
	case errs.MissingConfig:
		return DefaultReasonMissingConfig
	case errs.MissingVariable:
		return DefaultReasonMissingVariable
	case errs.MissingFeature:
		return DefaultReasonMissingFeature
	case errs.MissingVariation:
		return DefaultReasonMissingVariation
	case errs.MissingVariableForVariation:
		return DefaultReasonMissingVariableForVariation
	case errs.UserNotQualifiedForRollouts:
		return DefaultReasonUserNotInRollout
	case errs.UserNotQualifiedForTargets:
		return DefaultReasonUserNotTargeted
	case errs.InvalidVariableType:
		return DefaultReasonInvalidVariableType
	case errs.VariableTypeMismatch:
		return DefaultReasonVariableTypeMismatch
	case errs.FailedToDecideVariation:
		return DefaultReasonError
	default:
		return DefaultReasonUnknown
	}
}

// EvalDetails explains one variable's evaluation outcome: the reason token,
// an optional default-reason detail, and the target that decided it.
type EvalDetails struct {
	Reason   EvalReason    `json:"reason"`
	Details  DefaultReason `json:"details,omitempty"`
	TargetID string        `json:"target_id,omitempty"`
}

// TargetMatch is the result of evaluating a feature's targets against a
// user: the target that matched, its bounded hashes, and whether it was
// reached through a passthrough rollout gate.
type TargetMatch struct {
	Target      model.Target
	BoundedHash hash.Bounded32
	IsRollout   bool
}

// DetermineBucketingValue resolves the attribute value a target's
// bucketingKey names: the user id for the default/"user_id" key, or the
// matching entry in the user's combined custom data, falling back to
// DefaultBucketingValue when absent or null.
func DetermineBucketingValue(targetBucketingKey, userID string, mergedCustomData map[string]json.RawMessage) string {
	if targetBucketingKey == "" || targetBucketingKey == "user_id" {
		return userID
	}
	raw, ok := mergedCustomData[targetBucketingKey]
	if !ok {
		return model.DefaultBucketingValue
	}
	var asAny any
	if json.Unmarshal(raw, &asAny) == nil && asAny == nil {
		return model.DefaultBucketingValue
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

// CurrentRolloutPercentage computes the fraction of bounded-hash space
// eligible for a rollout at now: schedule rollouts are all-or-nothing at
// their start date; percentage/discrete rollouts interpolate between the
// most recently passed stage and the next upcoming one (linearly, unless
// the next stage is itself discrete, in which case the current stage holds
// until the next stage's date).
func CurrentRolloutPercentage(rollout model.Rollout, now time.Time) float64 {
	if rollout.Type == model.RolloutTypeSchedule {
		if now.After(rollout.StartDate) {
			return 1.0
		}
		return 0.0
	}

	var currentStages, nextStages []model.RolloutStage
	for _, stage := range rollout.Stages {
		if now.After(stage.Date) {
			currentStages = append(currentStages, stage)
		} else {
			nextStages = append(nextStages, stage)
		}
	}

	var currentStage model.RolloutStage
	haveCurrent := false
	if len(currentStages) > 0 {
		currentStage = currentStages[len(currentStages)-1]
		haveCurrent = true
	} else if now.After(rollout.StartDate) {
		currentStage = model.RolloutStage{
			Type:       model.RolloutTypeDiscrete,
			Date:       rollout.StartDate,
			Percentage: rollout.StartPercentage,
		}
		haveCurrent = true
	}
	if !haveCurrent {
		return 0.0
	}

	if len(nextStages) == 0 {
		return currentStage.Percentage
	}
	nextStage := nextStages[0]
	if nextStage.Type == model.RolloutTypeDiscrete {
		return currentStage.Percentage
	}

	totalSpan := nextStage.Date.Sub(currentStage.Date).Milliseconds()
	if totalSpan == 0 {
		return currentStage.Percentage
	}
	elapsed := now.Sub(currentStage.Date).Milliseconds()
	progress := float64(elapsed) / float64(totalSpan)
	return currentStage.Percentage + progress*(nextStage.Percentage-currentStage.Percentage)
}

// DoesUserPassRollout reports whether boundedHash qualifies under rollout.
// A nil rollout always passes. A rollout whose current percentage is 0
// never passes (even for a hash of exactly 0).
func DoesUserPassRollout(rollout *model.Rollout, boundedHash float64, now time.Time) bool {
	if rollout == nil {
		return true
	}
	pct := CurrentRolloutPercentage(*rollout, now)
	return pct != 0.0 && boundedHash <= pct
}

// EvaluateSegmentationForFeature returns the first target in feature whose
// rollout gate (when passthrough rollouts are enabled) and audience filter
// both pass for user. Targets are tried in declaration order; the first
// match wins.
func EvaluateSegmentationForFeature(cfg *model.Config, feature model.Feature, user *model.PopulatedUser, clientCustomData map[string]json.RawMessage, now time.Time) (model.Target, bool, error) {
	merged := user.CombinedCustomData()
	for k, v := range clientCustomData {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}

	passthroughEnabled := !cfg.Project.Settings.DisablePassthroughRollouts

	for _, target := range feature.Configuration.Targets {
		rolloutCriteriaMet := true
		isRollout := false

		if target.Rollout != nil && passthroughEnabled {
			bucketingValue := DetermineBucketingValue(target.BucketingKey, user.UserID, merged)
			bh := hash.Generate(bucketingValue, target.ID)
			rolloutCriteriaMet = DoesUserPassRollout(target.Rollout, bh.RolloutHash, now)
			isRollout = rolloutCriteriaMet
		}

		if rolloutCriteriaMet && segment.EvaluateAudienceOperator(target.Audience.Filters, cfg.Audiences, user, clientCustomData) {
			return target, isRollout, nil
		}
	}
	return model.Target{}, false, errs.New(errs.UserNotQualifiedForTargets, "user does not qualify for any target on feature %q", feature.Key)
}

// DoesUserQualifyForFeature evaluates targeting for feature and, when
// passthrough rollouts are disabled, separately re-checks the matched
// target's rollout gate against the resolved bucketing hash.
func DoesUserQualifyForFeature(cfg *model.Config, feature model.Feature, user *model.PopulatedUser, clientCustomData map[string]json.RawMessage, now time.Time) (TargetMatch, error) {
	target, isRollout, err := EvaluateSegmentationForFeature(cfg, feature, user, clientCustomData, now)
	if err != nil {
		return TargetMatch{}, err
	}

	merged := user.CombinedCustomData()
	for k, v := range clientCustomData {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	bucketingValue := DetermineBucketingValue(target.BucketingKey, user.UserID, merged)
	bh := hash.Generate(bucketingValue, target.ID)

	passthroughEnabled := !cfg.Project.Settings.DisablePassthroughRollouts
	if !passthroughEnabled && !DoesUserPassRollout(target.Rollout, bh.RolloutHash, now) {
		return TargetMatch{}, errs.New(errs.UserNotQualifiedForRollouts, "user does not qualify for the rollout on feature %q", feature.Key)
	}

	return TargetMatch{Target: target, BoundedHash: bh, IsRollout: isRollout}, nil
}

// DecideTargetVariation walks target's distribution (already sorted
// descending by variation id at compile time) and returns the variation id
// whose cumulative percentage range contains boundedHash, plus whether the
// pick was randomized (more than one distribution entry).
func DecideTargetVariation(target model.Target, boundedHash float64) (variationID string, isRandom bool, err error) {
	isRandom = len(target.Distribution) > 1
	var cumulative float64
	previous := 0.0
	for _, d := range target.Distribution {
		cumulative += d.Percentage
		if boundedHash >= previous && (boundedHash < cumulative || (cumulative == 1.0 && boundedHash == 1.0)) {
			return d.Variation, isRandom, nil
		}
		previous = cumulative
	}
	return "", false, errs.New(errs.FailedToDecideVariation, "no distribution entry covers bounded hash %v", boundedHash)
}

// BucketUserForVariation picks the variation a matched target routes the
// user to.
func BucketUserForVariation(feature model.Feature, match TargetMatch) (model.Variation, bool, error) {
	variationID, isRandom, err := DecideTargetVariation(match.Target, match.BoundedHash.BucketingHash)
	if err != nil {
		return model.Variation{}, false, err
	}
	v, ok := feature.VariationByID(variationID)
	if !ok {
		return model.Variation{}, false, errs.New(errs.MissingVariation, "variation %q referenced by target %q not found on feature %q", variationID, match.Target.ID, feature.Key)
	}
	return *v, isRandom, nil
}

// reasonFor derives the eval reason for a variation pick.
func reasonFor(match TargetMatch, isRandom bool) EvalReason {
	if match.IsRollout || isRandom {
		return ReasonSplit
	}
	return ReasonTargetingMatch
}

// VariableResult is one variable's resolved value for a user, along with
// the feature/variation it came from and why.
type VariableResult struct {
	Key          string          `json:"key"`
	VariableType string          `json:"type"`
	Value        json.RawMessage `json:"value"`
	FeatureID    string          `json:"_feature,omitempty"`
	VariationID  string          `json:"_variation,omitempty"`
	Eval         EvalDetails     `json:"eval"`
}

// EvaluateVariableForUser resolves variableKey's value for user under cfg,
// qualifying the user for the owning feature's targets/rollouts and
// picking a variation.
func EvaluateVariableForUser(cfg *model.Config, user *model.PopulatedUser, variableKey string, clientCustomData map[string]json.RawMessage, now time.Time) (VariableResult, error) {
	variable, ok := cfg.VariableByKey(variableKey)
	if !ok {
		return VariableResult{}, errs.New(errs.MissingVariable, "no variable with key %q", variableKey)
	}

	feature, ok := cfg.FeatureForVariableID(variable.ID)
	if !ok {
		return VariableResult{}, errs.New(errs.MissingFeature, "no feature owns variable %q", variableKey)
	}

	match, err := DoesUserQualifyForFeature(cfg, feature, user, clientCustomData, now)
	if err != nil {
		return VariableResult{}, err
	}

	variation, isRandom, err := BucketUserForVariation(feature, match)
	if err != nil {
		return VariableResult{}, err
	}

	vv, ok := variation.VariableByID(variable.ID)
	if !ok {
		return VariableResult{}, errs.New(errs.MissingVariableForVariation, "variation %q has no value for variable %q", variation.ID, variableKey)
	}

	return VariableResult{
		Key:          variable.Key,
		VariableType: variable.Type,
		Value:        vv.Value,
		FeatureID:    feature.ID,
		VariationID:  variation.ID,
		Eval: EvalDetails{
			Reason:   reasonFor(match, isRandom),
			TargetID: match.Target.ID,
		},
	}, nil
}

// BucketedFeature is one feature's resolved targeting outcome for a user.
type BucketedFeature struct {
	FeatureID     string     `json:"_id"`
	FeatureType   string     `json:"type"`
	Key           string     `json:"key"`
	VariationID   string     `json:"_variation"`
	VariationKey  string     `json:"variationKey"`
	VariationName string     `json:"variationName"`
	Reason        EvalReason `json:"evalReason,omitempty"`
}

// BucketedVariable is one variable's resolved value, ready to be read by a
// caller without re-running evaluation.
type BucketedVariable struct {
	ID    string          `json:"_id"`
	Key   string          `json:"key"`
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
	Eval  EvalDetails     `json:"eval"`
}

// BucketedConfig is the full per-user snapshot of every feature and
// variable the user qualifies for. Features and variables are keyed by
// their keys; the two reverse maps let a caller go from feature id to
// variation id and from variable key to the owning (feature, variation)
// pair without rescanning.
type BucketedConfig struct {
	Project              model.Project                     `json:"project"`
	Environment          model.Environment                 `json:"environment"`
	Features             map[string]BucketedFeature        `json:"features"`
	FeatureVariationMap  map[string]string                 `json:"featureVariationMap"`
	VariableVariationMap map[string]model.FeatureVariation `json:"variableVariationMap"`
	Variables            map[string]BucketedVariable       `json:"variables"`
}

// GenerateBucketedConfig evaluates every feature in cfg against user,
// skipping features the user doesn't qualify for.
func GenerateBucketedConfig(cfg *model.Config, user *model.PopulatedUser, clientCustomData map[string]json.RawMessage, now time.Time) (*BucketedConfig, error) {
	out := &BucketedConfig{
		Project:              cfg.Project,
		Environment:          cfg.Environment,
		Features:             make(map[string]BucketedFeature),
		FeatureVariationMap:  make(map[string]string),
		VariableVariationMap: make(map[string]model.FeatureVariation),
		Variables:            make(map[string]BucketedVariable),
	}

	for _, feature := range cfg.Features {
		match, err := DoesUserQualifyForFeature(cfg, feature, user, clientCustomData, now)
		if err != nil {
			continue
		}

		variation, isRandom, err := BucketUserForVariation(feature, match)
		if err != nil {
			return nil, err
		}

		reason := reasonFor(match, isRandom)

		out.Features[feature.Key] = BucketedFeature{
			FeatureID:     feature.ID,
			FeatureType:   feature.Type,
			Key:           feature.Key,
			VariationID:   variation.ID,
			VariationKey:  variation.Key,
			VariationName: variation.Name,
			Reason:        reason,
		}
		out.FeatureVariationMap[feature.ID] = variation.ID

		for _, vv := range variation.Variables {
			variable, ok := cfg.VariableByID(vv.VariableID)
			if !ok {
				continue
			}
			out.Variables[variable.Key] = BucketedVariable{
				ID:    variable.ID,
				Key:   variable.Key,
				Type:  variable.Type,
				Value: vv.Value,
				Eval: EvalDetails{
					Reason:   reason,
					TargetID: match.Target.ID,
				},
			}
			out.VariableVariationMap[variable.Key] = model.FeatureVariation{
				Feature:   feature.ID,
				Variation: variation.ID,
			}
		}
	}

	return out, nil
}

// IsVariableTypeValid reports whether actualType is one of the known
// variable types and matches expectedType. An empty expectedType always
// passes (no type check requested).
func IsVariableTypeValid(actualType, expectedType string) bool {
	switch actualType {
	case model.VariableTypeString, model.VariableTypeNumber, model.VariableTypeJSON, model.VariableTypeBoolean:
	default:
		return false
	}
	return expectedType == "" || actualType == expectedType
}
