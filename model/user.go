package model

import (
	"encoding/json"
	"os"
	"time"
)

// User is the caller-supplied identity and attribute bag evaluated against
// a config's targets and segmentation filters.
type User struct {
	UserID            string                     `json:"userId"`
	Email             string                     `json:"email"`
	Name              string                     `json:"name"`
	Language          string                     `json:"language"`
	Country           string                     `json:"country"`
	AppVersion        string                     `json:"appVersion"`
	AppBuild          string                     `json:"appBuild"`
	CustomData        map[string]json.RawMessage `json:"customData"`
	PrivateCustomData map[string]json.RawMessage `json:"privateCustomData"`
	DeviceModel       string                     `json:"deviceModel"`
	LastSeenDate      time.Time                  `json:"lastSeenDate"`
}

// PlatformData describes the SDK instance evaluating on a user's behalf. It
// is attached to every PopulatedUser and reported in events.
type PlatformData struct {
	SDKType         string `json:"sdkType"`
	SDKVersion      string `json:"sdkVersion"`
	PlatformVersion string `json:"platformVersion"`
	DeviceModel     string `json:"deviceModel"`
	Platform        string `json:"platform"`
	Hostname        string `json:"hostname"`
}

// GeneratePlatformData builds default platform data for this process,
// falling back through os.Hostname, $HOSTNAME, then "unknown".
func GeneratePlatformData(sdkVersion string) PlatformData {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = os.Getenv("HOSTNAME")
	}
	if hostname == "" {
		hostname = "unknown"
	}
	return PlatformData{
		SDKType:         "server",
		SDKVersion:      sdkVersion,
		PlatformVersion: "go",
		DeviceModel:     "unknown",
		Platform:        "Go",
		Hostname:        hostname,
	}
}

// PopulatedUser is a User enriched with platform data and a creation
// timestamp, ready for evaluation. It never mutates after construction.
type PopulatedUser struct {
	UserID            string
	Email             string
	Name              string
	Language          string
	Country           string
	AppVersion        string
	AppBuild          string
	CustomData        map[string]json.RawMessage
	PrivateCustomData map[string]json.RawMessage
	DeviceModel       string
	LastSeenDate      time.Time
	PlatformData      PlatformData
	CreatedDate       time.Time
}

// NewPopulatedUser builds a PopulatedUser from a User, merging
// clientCustomData into its custom data for any key absent from both
// custom_data and private_custom_data (the user's own values always win).
func NewPopulatedUser(u User, platformData PlatformData, clientCustomData map[string]json.RawMessage, createdAt time.Time) *PopulatedUser {
	custom := make(map[string]json.RawMessage, len(u.CustomData))
	for k, v := range u.CustomData {
		custom[k] = v
	}
	private := make(map[string]json.RawMessage, len(u.PrivateCustomData))
	for k, v := range u.PrivateCustomData {
		private[k] = v
	}

	p := &PopulatedUser{
		UserID:            u.UserID,
		Email:             u.Email,
		Name:              u.Name,
		Language:          u.Language,
		Country:           u.Country,
		AppVersion:        u.AppVersion,
		AppBuild:          u.AppBuild,
		CustomData:        custom,
		PrivateCustomData: private,
		DeviceModel:       u.DeviceModel,
		LastSeenDate:      u.LastSeenDate,
		PlatformData:      platformData,
		CreatedDate:       createdAt,
	}

	for k, v := range clientCustomData {
		_, inCustom := p.CustomData[k]
		_, inPrivate := p.PrivateCustomData[k]
		if !inCustom && !inPrivate {
			p.CustomData[k] = v
		}
	}
	return p
}

// CombinedCustomData returns the union of custom data and private custom
// data, private entries taking precedence on key collision (matching the
// original's extend-in-order semantics: private is applied last).
func (p *PopulatedUser) CombinedCustomData() map[string]json.RawMessage {
	ret := make(map[string]json.RawMessage, len(p.CustomData)+len(p.PrivateCustomData))
	for k, v := range p.CustomData {
		ret[k] = v
	}
	for k, v := range p.PrivateCustomData {
		ret[k] = v
	}
	return ret
}
