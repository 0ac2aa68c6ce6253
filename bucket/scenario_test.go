package bucket_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flagbucket/bucketing/bucket"
	"github.com/flagbucket/bucketing/errs"
	"github.com/flagbucket/bucketing/model"
)

// releaseConfig mirrors the canonical two-variation release feature used in
// cross-SDK conformance fixtures.
func releaseConfig() *model.Config {
	full := model.FullConfig{
		Project:     model.Project{ID: "6216420c2ea68943c8833c09", Key: "default"},
		Environment: model.Environment{ID: "6153553b8cf4e45e0464268d", Key: "production"},
		Variables: []model.Variable{
			{ID: "v1", Key: "test", Type: model.VariableTypeBoolean},
		},
		Features: []model.Feature{
			{
				ID:   "f1",
				Key:  "test",
				Type: "release",
				Variations: []model.Variation{
					{ID: "on1", Key: "variation-on", Name: "On", Variables: []model.VariationVariable{{VariableID: "v1", Value: rawBool(true)}}},
					{ID: "off1", Key: "variation-off", Name: "Off", Variables: []model.VariationVariable{{VariableID: "v1", Value: rawBool(false)}}},
				},
				Configuration: model.FeatureConfiguration{
					Targets: []model.Target{
						{
							ID:       "t1",
							Audience: model.NoIDAudience{Filters: model.AudienceOperator{Operator: "and", Filters: []model.Filter{{Type: "all"}}}},
							Distribution: []model.TargetDistribution{
								{Variation: "on1", Percentage: 0.5},
								{Variation: "off1", Percentage: 0.5},
							},
							BucketingKey: "user_id",
						},
					},
				},
			},
		},
		Audiences: map[string]json.RawMessage{},
	}
	cfg, err := model.FromFullConfig(full)
	if err != nil {
		panic(err)
	}
	return cfg
}

func rawBool(b bool) json.RawMessage { out, _ := json.Marshal(b); return out }

func TestReleaseFeatureBucketsUser(t *testing.T) {
	cfg := releaseConfig()
	u := model.NewPopulatedUser(model.User{UserID: "user123", Country: "US"}, model.PlatformData{}, nil, time.Now())

	out, err := bucket.GenerateBucketedConfig(cfg, u, nil, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "6216420c2ea68943c8833c09", out.Project.ID)
	require.Contains(t, out.Features, "test")
	// A two-way distribution is always a split decision.
	assert.Equal(t, bucket.ReasonSplit, out.Features["test"].Reason)
	assert.Contains(t, []string{"on1", "off1"}, out.Features["test"].VariationID)
}

func TestGenerateBucketedConfigIsDeterministic(t *testing.T) {
	cfg := releaseConfig()
	now := time.Now()
	u := model.NewPopulatedUser(model.User{UserID: "user123"}, model.PlatformData{}, nil, now)

	first, err := bucket.GenerateBucketedConfig(cfg, u, nil, now)
	require.NoError(t, err)
	for i := 0; i < 25; i++ {
		again, err := bucket.GenerateBucketedConfig(cfg, u, nil, now)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestDistributionCoversEveryHash(t *testing.T) {
	target := model.Target{
		Distribution: []model.TargetDistribution{
			{Variation: "c", Percentage: 0.25},
			{Variation: "b", Percentage: 0.5},
			{Variation: "a", Percentage: 0.25},
		},
	}
	for i := 0; i <= 1000; i++ {
		h := float64(i) / 1000.0
		_, _, err := bucket.DecideTargetVariation(target, h)
		require.NoError(t, err, "hash %v must map to exactly one variation", h)
	}

	// The upper boundary maps to the last entry.
	v, _, err := bucket.DecideTargetVariation(target, 1.0)
	require.NoError(t, err)
	assert.Equal(t, "a", v)
}

func TestDecideTargetVariationUncoveredHashFails(t *testing.T) {
	target := model.Target{
		Distribution: []model.TargetDistribution{{Variation: "a", Percentage: 0.5}},
	}
	_, _, err := bucket.DecideTargetVariation(target, 0.9)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.FailedToDecideVariation))
}

func TestFirstDeclaredTargetWins(t *testing.T) {
	cfg := releaseConfig()
	feature := cfg.Features[0]
	feature.Configuration.Targets = []model.Target{
		allFilterTarget("first", []model.TargetDistribution{{Variation: "on1", Percentage: 1.0}}),
		allFilterTarget("second", []model.TargetDistribution{{Variation: "off1", Percentage: 1.0}}),
	}
	u := model.NewPopulatedUser(model.User{UserID: "u1"}, model.PlatformData{}, nil, time.Now())

	match, err := bucket.DoesUserQualifyForFeature(cfg, feature, u, nil, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "first", match.Target.ID)
}

func TestGradualRolloutPercentageIsMonotonic(t *testing.T) {
	start := time.Now().Add(-24 * time.Hour)
	r := model.Rollout{
		Type:            model.RolloutTypePercentage,
		StartPercentage: 0.1,
		StartDate:       start,
		Stages: []model.RolloutStage{
			{Type: "gradual", Date: start.Add(6 * time.Hour), Percentage: 0.3},
			{Type: "gradual", Date: start.Add(12 * time.Hour), Percentage: 0.6},
			{Type: model.RolloutTypeDiscrete, Date: start.Add(18 * time.Hour), Percentage: 0.9},
		},
	}

	prev := -1.0
	for minutes := 0; minutes <= 24*60; minutes += 10 {
		at := start.Add(time.Duration(minutes) * time.Minute)
		pct := bucket.CurrentRolloutPercentage(r, at)
		require.GreaterOrEqual(t, pct, prev, "rollout percentage regressed at %v", at)
		prev = pct
	}
}

func TestRolloutGatesTargetWhenPassthroughDisabled(t *testing.T) {
	cfg := releaseConfig()
	cfg.Project.Settings.DisablePassthroughRollouts = true
	feature := cfg.Features[0]
	future := time.Now().Add(time.Hour)
	feature.Configuration.Targets[0].Rollout = &model.Rollout{
		Type:      model.RolloutTypeSchedule,
		StartDate: future,
	}
	u := model.NewPopulatedUser(model.User{UserID: "u1"}, model.PlatformData{}, nil, time.Now())

	// The audience still matches, so segmentation succeeds and the rollout
	// check fails afterward with its own error kind.
	_, err := bucket.DoesUserQualifyForFeature(cfg, feature, u, nil, time.Now())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.UserNotQualifiedForRollouts))
}

func TestRolloutGatesTargetAdmissionWhenPassthroughEnabled(t *testing.T) {
	cfg := releaseConfig()
	feature := cfg.Features[0]
	future := time.Now().Add(time.Hour)
	feature.Configuration.Targets[0].Rollout = &model.Rollout{
		Type:      model.RolloutTypeSchedule,
		StartDate: future,
	}
	u := model.NewPopulatedUser(model.User{UserID: "u1"}, model.PlatformData{}, nil, time.Now())

	// With passthrough rollouts on (the default), a failed rollout means the
	// target never matched at all.
	_, err := bucket.DoesUserQualifyForFeature(cfg, feature, u, nil, time.Now())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.UserNotQualifiedForTargets))
}

func TestPastScheduleRolloutMarksSplitReason(t *testing.T) {
	cfg := releaseConfig()
	feature := cfg.Features[0]
	feature.Configuration.Targets[0].Rollout = &model.Rollout{
		Type:      model.RolloutTypeSchedule,
		StartDate: time.Now().Add(-time.Hour),
	}
	u := model.NewPopulatedUser(model.User{UserID: "user123"}, model.PlatformData{}, nil, time.Now())

	match, err := bucket.DoesUserQualifyForFeature(cfg, feature, u, nil, time.Now())
	require.NoError(t, err)
	assert.True(t, match.IsRollout)
}

func TestDetermineBucketingValue(t *testing.T) {
	merged := map[string]json.RawMessage{
		"tenant": json.RawMessage(`"acme"`),
		"seats":  json.RawMessage(`12`),
		"niller": json.RawMessage(`null`),
	}

	assert.Equal(t, "u1", bucket.DetermineBucketingValue("", "u1", merged))
	assert.Equal(t, "u1", bucket.DetermineBucketingValue("user_id", "u1", merged))
	assert.Equal(t, "acme", bucket.DetermineBucketingValue("tenant", "u1", merged))
	assert.Equal(t, "12", bucket.DetermineBucketingValue("seats", "u1", merged))
	assert.Equal(t, "null", bucket.DetermineBucketingValue("niller", "u1", merged))
	assert.Equal(t, "null", bucket.DetermineBucketingValue("absent", "u1", merged))
}

func TestCustomBucketingKeyChangesAssignmentInput(t *testing.T) {
	cfg := releaseConfig()
	feature := cfg.Features[0]
	feature.Configuration.Targets[0].BucketingKey = "tenant"

	// Two different users in the same tenant hash identically.
	tenantData := map[string]json.RawMessage{"tenant": json.RawMessage(`"acme"`)}
	u1 := model.NewPopulatedUser(model.User{UserID: "u1", CustomData: tenantData}, model.PlatformData{}, nil, time.Now())
	u2 := model.NewPopulatedUser(model.User{UserID: "u2", CustomData: tenantData}, model.PlatformData{}, nil, time.Now())

	m1, err := bucket.DoesUserQualifyForFeature(cfg, feature, u1, nil, time.Now())
	require.NoError(t, err)
	m2, err := bucket.DoesUserQualifyForFeature(cfg, feature, u2, nil, time.Now())
	require.NoError(t, err)
	assert.Equal(t, m1.BoundedHash, m2.BoundedHash)
}

func TestBucketedConfigJSONRoundTrip(t *testing.T) {
	cfg := releaseConfig()
	u := model.NewPopulatedUser(model.User{UserID: "user123"}, model.PlatformData{}, nil, time.Now())

	out, err := bucket.GenerateBucketedConfig(cfg, u, nil, time.Now())
	require.NoError(t, err)

	data, err := json.Marshal(out)
	require.NoError(t, err)

	var decoded bucket.BucketedConfig
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, *out, decoded)

	// The wire shape carries the uppercase reason token and the deciding
	// target inside each variable's eval object.
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	var variables map[string]struct {
		Eval struct {
			Reason   string `json:"reason"`
			TargetID string `json:"target_id"`
		} `json:"eval"`
	}
	require.NoError(t, json.Unmarshal(raw["variables"], &variables))
	require.Contains(t, variables, "test")
	assert.Equal(t, "SPLIT", variables["test"].Eval.Reason)
	assert.Equal(t, "t1", variables["test"].Eval.TargetID)
}

func TestDefaultReasonForError(t *testing.T) {
	cases := []struct {
		err  error
		want bucket.DefaultReason
	}{
		{nil, bucket.DefaultReasonNotDefaulted},
		{errs.New(errs.MissingConfig, "x"), bucket.DefaultReasonMissingConfig},
		{errs.New(errs.MissingVariable, "x"), bucket.DefaultReasonMissingVariable},
		{errs.New(errs.MissingFeature, "x"), bucket.DefaultReasonMissingFeature},
		{errs.New(errs.MissingVariation, "x"), bucket.DefaultReasonMissingVariation},
		{errs.New(errs.MissingVariableForVariation, "x"), bucket.DefaultReasonMissingVariableForVariation},
		{errs.New(errs.UserNotQualifiedForRollouts, "x"), bucket.DefaultReasonUserNotInRollout},
		{errs.New(errs.UserNotQualifiedForTargets, "x"), bucket.DefaultReasonUserNotTargeted},
		{errs.New(errs.InvalidVariableType, "x"), bucket.DefaultReasonInvalidVariableType},
		{errs.New(errs.VariableTypeMismatch, "x"), bucket.DefaultReasonVariableTypeMismatch},
		{errs.New(errs.FailedToDecideVariation, "x"), bucket.DefaultReasonError},
		{json.Unmarshal([]byte("{"), &struct{}{}), bucket.DefaultReasonUnknown},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, bucket.DefaultReasonForError(c.err))
	}
}
