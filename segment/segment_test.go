package segment_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/flagbucket/bucketing/model"
	"github.com/flagbucket/bucketing/segment"
)

func rawStr(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func testUser(userID, country, appVersion string, custom map[string]json.RawMessage) *model.PopulatedUser {
	return model.NewPopulatedUser(
		model.User{UserID: userID, Country: country, AppVersion: appVersion, CustomData: custom},
		model.PlatformData{Platform: "Go"},
		nil,
		time.Now(),
	)
}

func TestEvaluateAllFilterAlwaysPasses(t *testing.T) {
	u := testUser("u1", "", "", nil)
	got := segment.Evaluate(model.Filter{Type: "all"}, nil, u, nil)
	assert.True(t, got)
}

func TestEvaluateOptInAlwaysFails(t *testing.T) {
	u := testUser("u1", "", "", nil)
	got := segment.Evaluate(model.Filter{Type: "optIn"}, nil, u, nil)
	assert.False(t, got)
}

func TestEvaluateUserFilterEqual(t *testing.T) {
	u := testUser("u1", "CA", "", nil)
	f := model.Filter{
		Type:       "user",
		SubType:    "country",
		Comparator: "=",
		Values:     []json.RawMessage{rawStr("CA")},
	}
	assert.True(t, segment.Evaluate(f, nil, u, nil))

	f.Values = []json.RawMessage{rawStr("US")}
	assert.False(t, segment.Evaluate(f, nil, u, nil))
}

func TestEvaluateUserFilterNotEqualOnMissingValuePasses(t *testing.T) {
	u := testUser("u1", "", "", nil)
	f := model.Filter{
		Type:       "user",
		SubType:    "country",
		Comparator: "!=",
		Values:     []json.RawMessage{rawStr("US")},
	}
	assert.True(t, segment.Evaluate(f, nil, u, nil))
}

func TestEvaluateExistNotExist(t *testing.T) {
	u := testUser("u1", "", "", nil)
	exist := model.Filter{Type: "user", SubType: "email", Comparator: "exist"}
	notExist := model.Filter{Type: "user", SubType: "email", Comparator: "!exist"}
	assert.False(t, segment.Evaluate(exist, nil, u, nil))
	assert.True(t, segment.Evaluate(notExist, nil, u, nil))
}

func TestEvaluateCustomDataFallsBackToClientCustomData(t *testing.T) {
	u := testUser("u1", "", "", nil)
	f := model.Filter{
		Type:       "user",
		SubType:    "customData",
		Comparator: "=",
		Values:     []json.RawMessage{rawStr("plan"), rawStr("pro")},
	}
	assert.False(t, segment.Evaluate(f, nil, u, nil))
	assert.True(t, segment.Evaluate(f, nil, u, map[string]json.RawMessage{"plan": rawStr("pro")}))
}

func TestEvaluateVersionComparators(t *testing.T) {
	u := testUser("u1", "", "1.5.0", nil)
	gt := model.Filter{Type: "user", SubType: "appVersion", Comparator: ">", Values: []json.RawMessage{rawStr("1.4.0")}}
	lt := model.Filter{Type: "user", SubType: "appVersion", Comparator: "<", Values: []json.RawMessage{rawStr("1.4.0")}}
	assert.True(t, segment.Evaluate(gt, nil, u, nil))
	assert.False(t, segment.Evaluate(lt, nil, u, nil))
}

func TestEvaluateAudienceOperatorVacuousTruth(t *testing.T) {
	u := testUser("u1", "", "", nil)
	andOp := model.AudienceOperator{Operator: "and", Filters: nil}
	orOp := model.AudienceOperator{Operator: "or", Filters: nil}
	assert.True(t, segment.EvaluateAudienceOperator(andOp, nil, u, nil))
	assert.False(t, segment.EvaluateAudienceOperator(orOp, nil, u, nil))
}

func TestEvaluateNestedFiltersAndOr(t *testing.T) {
	u := testUser("u1", "CA", "", nil)
	pass := model.Filter{Type: "user", SubType: "country", Comparator: "=", Values: []json.RawMessage{rawStr("CA")}}
	fail := model.Filter{Type: "user", SubType: "country", Comparator: "=", Values: []json.RawMessage{rawStr("US")}}

	andAllPass := model.Filter{Type: "nested", Operator: "and", Filters: []model.Filter{pass, pass}}
	andOneFails := model.Filter{Type: "nested", Operator: "and", Filters: []model.Filter{pass, fail}}
	orOneFails := model.Filter{Type: "nested", Operator: "or", Filters: []model.Filter{pass, fail}}
	orAllFail := model.Filter{Type: "nested", Operator: "or", Filters: []model.Filter{fail, fail}}

	assert.True(t, segment.Evaluate(andAllPass, nil, u, nil))
	assert.False(t, segment.Evaluate(andOneFails, nil, u, nil))
	assert.True(t, segment.Evaluate(orOneFails, nil, u, nil))
	assert.False(t, segment.Evaluate(orAllFail, nil, u, nil))
}

func TestEvaluateAudienceMatch(t *testing.T) {
	u := testUser("u1", "CA", "", nil)
	audiences := map[string]model.NoIDAudience{
		"aud1": {Filters: model.AudienceOperator{
			Operator: "and",
			Filters: []model.Filter{
				{Type: "user", SubType: "country", Comparator: "=", Values: []json.RawMessage{rawStr("CA")}},
			},
		}},
	}
	match := model.Filter{Type: "audienceMatch", Comparator: "=", Audiences: []string{"aud1"}}
	noMatch := model.Filter{Type: "audienceMatch", Comparator: "!=", Audiences: []string{"aud1"}}
	assert.True(t, segment.Evaluate(match, audiences, u, nil))
	assert.False(t, segment.Evaluate(noMatch, audiences, u, nil))
}

func TestVersionFilterScenarios(t *testing.T) {
	u := testUser("u1", "", "4.8.241.2", nil)

	gtLow := model.Filter{Type: "user", SubType: "appVersion", Comparator: ">", Values: []json.RawMessage{rawStr("4.8.241.0")}}
	gtHigh := model.Filter{Type: "user", SubType: "appVersion", Comparator: ">", Values: []json.RawMessage{rawStr("4.8.241.5")}}
	eqShort := model.Filter{Type: "user", SubType: "appVersion", Comparator: "=", Values: []json.RawMessage{rawStr("4.8.241")}}

	assert.True(t, segment.Evaluate(gtLow, nil, u, nil))
	assert.False(t, segment.Evaluate(gtHigh, nil, u, nil))
	// Equality requires matching component counts: 4 parts vs 3 parts fails.
	assert.False(t, segment.Evaluate(eqShort, nil, u, nil))
}

func TestVersionFilterMissingUserVersion(t *testing.T) {
	u := testUser("u1", "", "", nil)
	gt := model.Filter{Type: "user", SubType: "appVersion", Comparator: ">", Values: []json.RawMessage{rawStr("1.0")}}
	ne := model.Filter{Type: "user", SubType: "appVersion", Comparator: "!=", Values: []json.RawMessage{rawStr("1.0")}}
	assert.False(t, segment.Evaluate(gt, nil, u, nil))
	assert.True(t, segment.Evaluate(ne, nil, u, nil))
}

func TestCustomDataUserValueWinsOverClientData(t *testing.T) {
	u := testUser("u1", "", "", map[string]json.RawMessage{"user_tier": rawStr("Gold")})
	client := map[string]json.RawMessage{"user_tier": rawStr("Silver")}

	wantsGold := model.Filter{Type: "user", SubType: "customData", Comparator: "=", Values: []json.RawMessage{rawStr("user_tier"), rawStr("Gold")}}
	assert.True(t, segment.Evaluate(wantsGold, nil, u, client))

	uSilver := testUser("u1", "", "", map[string]json.RawMessage{"user_tier": rawStr("Silver")})
	assert.False(t, segment.Evaluate(wantsGold, nil, uSilver, client))
}

func TestCustomDataPrecedenceAcrossAllThreeSources(t *testing.T) {
	u := model.NewPopulatedUser(model.User{
		UserID:            "u1",
		CustomData:        map[string]json.RawMessage{"plan": rawStr("from-user")},
		PrivateCustomData: map[string]json.RawMessage{"plan": rawStr("from-private")},
	}, model.PlatformData{}, nil, time.Now())
	client := map[string]json.RawMessage{"plan": rawStr("from-client")}

	f := model.Filter{Type: "user", SubType: "customData", Comparator: "=", Values: []json.RawMessage{rawStr("plan"), rawStr("from-user")}}
	assert.True(t, segment.Evaluate(f, nil, u, client))
}

func TestCustomDataFilterWithNoValuesFails(t *testing.T) {
	u := testUser("u1", "", "", map[string]json.RawMessage{"plan": rawStr("pro")})
	f := model.Filter{Type: "user", SubType: "customData", Comparator: "=", Values: nil}
	assert.False(t, segment.Evaluate(f, nil, u, nil))
}

func TestStringComparatorsEmptyPatternNeverMatches(t *testing.T) {
	u := model.NewPopulatedUser(model.User{UserID: "u1", Email: "dev@example.com"}, model.PlatformData{}, nil, time.Now())
	contain := model.Filter{Type: "user", SubType: "email", Comparator: "contain", Values: []json.RawMessage{rawStr("")}}
	startWith := model.Filter{Type: "user", SubType: "email", Comparator: "startWith", Values: []json.RawMessage{rawStr("")}}
	endWith := model.Filter{Type: "user", SubType: "email", Comparator: "endWith", Values: []json.RawMessage{rawStr("")}}
	assert.False(t, segment.Evaluate(contain, nil, u, nil))
	assert.False(t, segment.Evaluate(startWith, nil, u, nil))
	assert.False(t, segment.Evaluate(endWith, nil, u, nil))

	match := model.Filter{Type: "user", SubType: "email", Comparator: "endWith", Values: []json.RawMessage{rawStr("@example.com")}}
	assert.True(t, segment.Evaluate(match, nil, u, nil))
}

func TestNumericComparators(t *testing.T) {
	rawNum := func(n float64) json.RawMessage { b, _ := json.Marshal(n); return b }
	u := model.NewPopulatedUser(model.User{
		UserID:     "u1",
		CustomData: map[string]json.RawMessage{"seats": rawNum(12)},
	}, model.PlatformData{}, nil, time.Now())

	gt := model.Filter{Type: "user", SubType: "customData", Comparator: ">", Values: []json.RawMessage{rawStr("seats"), rawNum(10)}}
	le := model.Filter{Type: "user", SubType: "customData", Comparator: "<=", Values: []json.RawMessage{rawStr("seats"), rawNum(11)}}
	assert.True(t, segment.Evaluate(gt, nil, u, nil))
	assert.False(t, segment.Evaluate(le, nil, u, nil))
}

func TestAudienceMatchReferencingNestedAudience(t *testing.T) {
	u := testUser("u1", "CA", "", nil)
	audiences := map[string]model.NoIDAudience{
		"inner": {Filters: model.AudienceOperator{Operator: "and", Filters: []model.Filter{
			{Type: "user", SubType: "country", Comparator: "=", Values: []json.RawMessage{rawStr("CA")}},
		}}},
		"outer": {Filters: model.AudienceOperator{Operator: "and", Filters: []model.Filter{
			{Type: "audienceMatch", Comparator: "=", Audiences: []string{"inner"}},
		}}},
	}
	f := model.Filter{Type: "audienceMatch", Comparator: "=", Audiences: []string{"outer"}}
	assert.True(t, segment.Evaluate(f, audiences, u, nil))
}
