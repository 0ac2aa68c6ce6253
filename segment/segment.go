// Package segment implements the filter-tree evaluator that decides whether
// a user is a member of an audience: leaf filters (all / user attribute /
// audienceMatch / optIn) combined by and/or operators, with nested filter
// trees recursing through the same evaluator.
package segment

import (
	"encoding/json"
	"strings"

	"github.com/flagbucket/bucketing/model"
	"github.com/flagbucket/bucketing/version"
)

// Evaluate reports whether user matches filter, resolving nested
// audienceMatch references against audiences and falling back to
// clientCustomData for customData lookups the user itself doesn't have.
func Evaluate(filter model.Filter, audiences map[string]model.NoIDAudience, user *model.PopulatedUser, clientCustomData map[string]json.RawMessage) bool {
	switch model.FilterType(filter.Type) {
	case model.FilterTypeAll:
		return true
	case model.FilterTypeUser:
		return evaluateUserFilter(filter, user, clientCustomData)
	case model.FilterTypeOptIn:
		return false
	case model.FilterTypeAudienceMatch:
		return evaluateAudienceMatch(filter, audiences, user, clientCustomData)
	default:
		if len(filter.Filters) > 0 {
			operator := filter.Operator
			if operator == "" {
				operator = string(model.OperatorAnd)
			}
			return evaluateNested(filter.Filters, operator, audiences, user, clientCustomData)
		}
		return false
	}
}

// EvaluateAudienceOperator evaluates a top-level and/or combination of
// filters, applying vacuous-truth rules when the filter list is empty: an
// empty AND is true, an empty OR is false.
func EvaluateAudienceOperator(op model.AudienceOperator, audiences map[string]model.NoIDAudience, user *model.PopulatedUser, clientCustomData map[string]json.RawMessage) bool {
	if len(op.Filters) == 0 {
		return model.Operator(op.Operator) == model.OperatorAnd
	}
	return evaluateCombine(op.Filters, op.Operator, audiences, user, clientCustomData)
}

func evaluateNested(filters []model.Filter, operator string, audiences map[string]model.NoIDAudience, user *model.PopulatedUser, clientCustomData map[string]json.RawMessage) bool {
	if len(filters) == 0 {
		return true
	}
	return evaluateCombine(filters, operator, audiences, user, clientCustomData)
}

func evaluateCombine(filters []model.Filter, operator string, audiences map[string]model.NoIDAudience, user *model.PopulatedUser, clientCustomData map[string]json.RawMessage) bool {
	switch model.Operator(operator) {
	case model.OperatorAnd:
		for _, f := range filters {
			if !Evaluate(f, audiences, user, clientCustomData) {
				return false
			}
		}
		return true
	case model.OperatorOr:
		for _, f := range filters {
			if Evaluate(f, audiences, user, clientCustomData) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func evaluateAudienceMatch(filter model.Filter, audiences map[string]model.NoIDAudience, user *model.PopulatedUser, clientCustomData map[string]json.RawMessage) bool {
	comparator := filter.Comparator
	if comparator == "" {
		comparator = string(model.ComparatorEqual)
	}

	matchesAny := false
	for _, audienceID := range filter.Audiences {
		if audience, ok := audiences[audienceID]; ok {
			if EvaluateAudienceOperator(audience.Filters, audiences, user, clientCustomData) {
				matchesAny = true
				break
			}
		}
	}

	if model.Comparator(comparator) == model.ComparatorNotEqual {
		return !matchesAny
	}
	return matchesAny
}

func evaluateUserFilter(filter model.Filter, user *model.PopulatedUser, clientCustomData map[string]json.RawMessage) bool {
	if filter.SubType == "" {
		return false
	}
	subType := model.FilterSubType(filter.SubType)

	comparator := filter.Comparator
	if comparator == "" {
		comparator = string(model.ComparatorEqual)
	}

	if model.Comparator(comparator) == model.ComparatorExist {
		v, ok := userValue(subType, filter, user, clientCustomData)
		return ok && !isEmptyString(v)
	}
	if model.Comparator(comparator) == model.ComparatorNotExist {
		v, ok := userValue(subType, filter, user, clientCustomData)
		return !ok || isEmptyString(v)
	}

	if len(filter.Values) == 0 {
		return false
	}

	v, ok := userValue(subType, filter, user, clientCustomData)
	if !ok {
		return model.Comparator(comparator) == model.ComparatorNotEqual
	}
	values := filter.Values
	if subType == model.SubTypeCustomData {
		// The first value names the key; the rest are the comparands.
		values = values[1:]
	}
	return compareValues(v, values, comparator, subType)
}

// userValue resolves the attribute a "user" filter names. For customData
// filters the first filter value names the key, checked against the user's
// own custom data, then clientCustomData, then private custom data.
func userValue(subType model.FilterSubType, filter model.Filter, user *model.PopulatedUser, clientCustomData map[string]json.RawMessage) (json.RawMessage, bool) {
	str := func(s string) (json.RawMessage, bool) {
		b, _ := json.Marshal(s)
		return b, true
	}
	switch subType {
	case model.SubTypeUserID:
		return str(user.UserID)
	case model.SubTypeEmail:
		return str(user.Email)
	case model.SubTypeCountry:
		return str(user.Country)
	case model.SubTypePlatform:
		return str(user.PlatformData.Platform)
	case model.SubTypePlatformVersion:
		return str(user.PlatformData.PlatformVersion)
	case model.SubTypeAppVersion:
		return str(user.AppVersion)
	case model.SubTypeDeviceModel:
		return str(user.DeviceModel)
	case model.SubTypeCustomData:
		if len(filter.Values) == 0 {
			return nil, false
		}
		var key string
		if json.Unmarshal(filter.Values[0], &key) != nil {
			return nil, false
		}
		if v, ok := user.CustomData[key]; ok {
			return v, true
		}
		if v, ok := clientCustomData[key]; ok {
			return v, true
		}
		if v, ok := user.PrivateCustomData[key]; ok {
			return v, true
		}
		return nil, false
	default:
		return nil, false
	}
}

func isEmptyString(v json.RawMessage) bool {
	var s string
	if json.Unmarshal(v, &s) == nil {
		return s == ""
	}
	return false
}

func compareValues(userValue json.RawMessage, filterValues []json.RawMessage, comparator string, subType model.FilterSubType) bool {
	if subType == model.SubTypeAppVersion || subType == model.SubTypePlatformVersion {
		var s string
		if json.Unmarshal(userValue, &s) == nil {
			return compareVersionStrings(s, filterValues, comparator)
		}
	}

	switch model.Comparator(comparator) {
	case model.ComparatorNotEqual:
		for _, fv := range filterValues {
			if jsonEqual(userValue, fv) {
				return false
			}
		}
		return true
	case model.ComparatorNotContain:
		return !anyStringPair(userValue, filterValues, strings.Contains)
	case model.ComparatorNotStartWith:
		return !anyStringPair(userValue, filterValues, strings.HasPrefix)
	case model.ComparatorNotEndWith:
		return !anyStringPair(userValue, filterValues, strings.HasSuffix)
	}

	for _, fv := range filterValues {
		if matchesOne(userValue, fv, comparator) {
			return true
		}
	}
	return false
}

func matchesOne(userValue, filterValue json.RawMessage, comparator string) bool {
	switch model.Comparator(comparator) {
	case model.ComparatorEqual:
		return jsonEqual(userValue, filterValue)
	case model.ComparatorContain:
		return stringPair(userValue, filterValue, strings.Contains)
	case model.ComparatorStartWith:
		return stringPair(userValue, filterValue, strings.HasPrefix)
	case model.ComparatorEndWith:
		return stringPair(userValue, filterValue, strings.HasSuffix)
	case model.ComparatorGreater, model.ComparatorGreaterEqual, model.ComparatorLess, model.ComparatorLessEqual:
		un, uok := asNumber(userValue)
		fn, fok := asNumber(filterValue)
		if !uok || !fok {
			return false
		}
		switch model.Comparator(comparator) {
		case model.ComparatorGreater:
			return un > fn
		case model.ComparatorGreaterEqual:
			return un >= fn
		case model.ComparatorLess:
			return un < fn
		case model.ComparatorLessEqual:
			return un <= fn
		}
		return false
	case model.ComparatorExist:
		return true
	case model.ComparatorNotExist:
		return false
	default:
		return false
	}
}

// anyStringPair reports whether op(userStr, filterStr) holds for any
// non-empty filter value, used by the "not" comparators which require
// checking all values before negating.
func anyStringPair(userValue json.RawMessage, filterValues []json.RawMessage, op func(a, b string) bool) bool {
	for _, fv := range filterValues {
		if stringPair(userValue, fv, op) {
			return true
		}
	}
	return false
}

func stringPair(userValue, filterValue json.RawMessage, op func(a, b string) bool) bool {
	var us, fs string
	if json.Unmarshal(userValue, &us) != nil || json.Unmarshal(filterValue, &fs) != nil {
		return false
	}
	if fs == "" {
		return false
	}
	return op(us, fs)
}

func asNumber(raw json.RawMessage) (float64, bool) {
	var n float64
	if json.Unmarshal(raw, &n) != nil {
		return 0, false
	}
	return n, true
}

func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return string(a) == string(b)
	}
	return deepEqual(av, bv)
}

func deepEqual(a, b any) bool {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	default:
		return false
	}
}

func compareVersionStrings(userVersion string, filterValues []json.RawMessage, comparator string) bool {
	toStr := func(raw json.RawMessage) (string, bool) {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return "", false
		}
		return s, true
	}

	if model.Comparator(comparator) == model.ComparatorNotEqual {
		for _, fv := range filterValues {
			s, ok := toStr(fv)
			if ok && version.CompareEqual(userVersion, s) {
				return false
			}
		}
		return true
	}

	for _, fv := range filterValues {
		s, ok := toStr(fv)
		if !ok {
			continue
		}
		var matches bool
		switch model.Comparator(comparator) {
		case model.ComparatorEqual:
			matches = version.CompareEqual(userVersion, s)
		default:
			cmp, cmpOK := version.Compare(userVersion, s)
			if !cmpOK {
				continue
			}
			switch model.Comparator(comparator) {
			case model.ComparatorGreater:
				matches = cmp > 0
			case model.ComparatorGreaterEqual:
				matches = cmp >= 0
			case model.ComparatorLess:
				matches = cmp < 0
			case model.ComparatorLessEqual:
				matches = cmp <= 0
			}
		}
		if matches {
			return true
		}
	}
	return false
}
