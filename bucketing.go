// Package bucketing is the public API surface: it wires the registry,
// bucketing engine, and event queue together behind the operations an
// embedding SDK calls (install a config, evaluate a variable for a user,
// snapshot a user's bucketed config, queue and flush events).
package bucketing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flagbucket/bucketing/bucket"
	"github.com/flagbucket/bucketing/errs"
	"github.com/flagbucket/bucketing/events"
	"github.com/flagbucket/bucketing/model"
	"github.com/flagbucket/bucketing/registry"
)

// SDKVersion is reported in generated platform data and event payloads.
const SDKVersion = "1.0.0"

// Client is one SDK key's handle into the shared registry: config,
// platform data, client custom data, and an event queue, all installed
// under the same key.
type Client struct {
	sdkKey   string
	reg      *registry.Registry
	queue    *events.Queue
	stopFlag func()
}

// New creates a Client backed by reg. Construct one Registry per process
// and share it across Clients that evaluate different SDK keys.
func New(sdkKey string, reg *registry.Registry) *Client {
	return &Client{sdkKey: sdkKey, reg: reg}
}

// resolver adapts a Client to events.ConfigResolver without events needing
// to import registry.
type resolver struct {
	c *Client
}

func (r resolver) Config() (*model.Config, error) { return r.c.reg.Config(r.c.sdkKey) }
func (r resolver) ClientCustomData() map[string]json.RawMessage {
	return r.c.reg.ClientCustomData(r.c.sdkKey)
}
func (r resolver) PlatformData() model.PlatformData {
	return r.c.reg.PlatformData(r.c.sdkKey, SDKVersion, model.GeneratePlatformData)
}

// InitSDKKey compiles full and installs it, platform data, client custom
// data, and a running event queue for the client's SDK key, so no caller
// ever observes a partially initialized key. A nil platformData generates
// this process's default. Call once per Client before evaluating.
func (c *Client) InitSDKKey(ctx context.Context, full model.FullConfig, eventOpts events.Options, clientCustomData map[string]json.RawMessage, platformData *model.PlatformData) error {
	cfg, err := c.reg.InitSDKKey(ctx, c.sdkKey, full)
	if err != nil {
		return fmt.Errorf("init sdk key %q: %w", c.sdkKey, err)
	}

	if platformData != nil {
		c.reg.SetPlatformData(c.sdkKey, *platformData)
	} else {
		c.reg.PlatformData(c.sdkKey, SDKVersion, model.GeneratePlatformData)
	}
	if clientCustomData != nil {
		c.reg.SetClientCustomData(c.sdkKey, clientCustomData)
	}

	if err := c.InitEventQueue(ctx, eventOpts); err != nil {
		return err
	}
	c.queue.MergeAggEventQueueKeys(cfg)
	return nil
}

// InitEventQueue creates and starts the event queue for this SDK key.
// InitSDKKey calls it; it is exposed separately for callers that install
// configs out of band and only want telemetry.
func (c *Client) InitEventQueue(ctx context.Context, opts events.Options) error {
	if c.queue != nil {
		return fmt.Errorf("bucketing: event queue already initialized for sdk key %q", c.sdkKey)
	}
	q := events.New(c.sdkKey, resolver{c: c}, opts, nil)
	c.queue = q
	c.reg.SetEventQueue(c.sdkKey, q)
	c.stopFlag = q.Run(ctx)
	return nil
}

// SetConfig replaces the installed config wholesale (e.g. after a
// websocket/SSE push of a newer config), re-seeding the event queue's
// aggregate map for the new feature/variable set.
func (c *Client) SetConfig(full model.FullConfig) error {
	cfg, err := model.FromFullConfig(full)
	if err != nil {
		return fmt.Errorf("compile config: %w", err)
	}
	c.reg.SetConfig(c.sdkKey, cfg)
	if c.queue != nil {
		c.queue.MergeAggEventQueueKeys(cfg)
	}
	return nil
}

// SetConfigFromProtobuf is not implemented: protobuf config ingestion is
// out of scope for this module. Callers that receive a protobuf-encoded
// config must decode it to model.FullConfig themselves before calling
// SetConfig.
func (c *Client) SetConfigFromProtobuf(_ []byte) error {
	return fmt.Errorf("bucketing: protobuf config decoding is not supported, decode to model.FullConfig and call SetConfig")
}

// SetClientCustomData installs client-level custom data merged into every
// user evaluated under this SDK key.
func (c *Client) SetClientCustomData(data map[string]json.RawMessage) {
	c.reg.SetClientCustomData(c.sdkKey, data)
}

// SetPlatformData overrides the generated platform data for this SDK key.
func (c *Client) SetPlatformData(data model.PlatformData) {
	c.reg.SetPlatformData(c.sdkKey, data)
}

// VariableForUser resolves variableKey's value for user, queuing an
// aggregate evaluation or default event as a side effect. expectedType, if
// non-empty, must match the resolved variable's type. On any failure the
// typed error is returned and a variable-defaulted aggregate event is
// queued; the caller supplies its own default value.
func (c *Client) VariableForUser(user model.User, variableKey string, expectedType string) (bucket.VariableResult, error) {
	cfg, err := c.reg.Config(c.sdkKey)
	if err != nil {
		c.queueDefaulted(variableKey)
		return bucket.VariableResult{}, err
	}

	clientCustomData := c.reg.ClientCustomData(c.sdkKey)
	platformData := c.reg.PlatformData(c.sdkKey, SDKVersion, model.GeneratePlatformData)
	populated := model.NewPopulatedUser(user, platformData, clientCustomData, time.Now())

	result, err := bucket.EvaluateVariableForUser(cfg, populated, variableKey, clientCustomData, time.Now())
	if err != nil {
		c.queueDefaulted(variableKey)
		return bucket.VariableResult{}, err
	}

	if !bucket.IsVariableTypeValid(result.VariableType, "") {
		c.queueDefaulted(variableKey)
		return bucket.VariableResult{}, errs.New(errs.InvalidVariableType, "variable %q has unrecognized type %q", variableKey, result.VariableType)
	}
	if expectedType != "" && result.VariableType != expectedType {
		c.queueDefaulted(variableKey)
		return bucket.VariableResult{}, errs.New(errs.VariableTypeMismatch, "variable %q has type %q, expected %q", variableKey, result.VariableType, expectedType)
	}

	if c.queue != nil {
		// Dropped telemetry never fails an evaluation.
		_ = c.queue.QueueVariableEvaluatedEvent(variableKey, result.FeatureID, result.VariationID, result.Eval.Reason)
	}
	return result, nil
}

func (c *Client) queueDefaulted(variableKey string) {
	if c.queue != nil {
		_ = c.queue.QueueVariableDefaultedEvent(variableKey)
	}
}

// GenerateBucketedConfig snapshots every feature/variable the populated
// user qualifies for under this SDK key's current config. A nil
// clientCustomData falls back to the data installed for the SDK key.
func (c *Client) GenerateBucketedConfig(user *model.PopulatedUser, clientCustomData map[string]json.RawMessage) (*bucket.BucketedConfig, error) {
	cfg, err := c.reg.Config(c.sdkKey)
	if err != nil {
		return nil, err
	}
	if clientCustomData == nil {
		clientCustomData = c.reg.ClientCustomData(c.sdkKey)
	}
	return bucket.GenerateBucketedConfig(cfg, user, clientCustomData, time.Now())
}

// GenerateBucketedConfigFromUser populates user with this SDK key's
// platform and client custom data, then snapshots its bucketed config.
func (c *Client) GenerateBucketedConfigFromUser(user model.User) (*bucket.BucketedConfig, error) {
	clientCustomData := c.reg.ClientCustomData(c.sdkKey)
	platformData := c.reg.PlatformData(c.sdkKey, SDKVersion, model.GeneratePlatformData)
	populated := model.NewPopulatedUser(user, platformData, clientCustomData, time.Now())
	return c.GenerateBucketedConfig(populated, clientCustomData)
}

// TrackEvent queues a caller-supplied custom event for user. Returns an
// EventQueueNotInitialized error before InitEventQueue, or EventQueueFull
// when the per-user channel is saturated.
func (c *Client) TrackEvent(user model.User, event events.Event) error {
	if c.queue == nil {
		return errs.New(errs.EventQueueNotInitialized, "no event queue initialized for sdk key %q", c.sdkKey)
	}
	event.Type = events.EventTypeCustomEvent
	return c.queue.QueueEvent(user, event)
}

// Flush returns the queue's buffered and current event batches, clearing
// them for the next interval.
func (c *Client) Flush() ([]events.FlushBatch, error) {
	if c.queue == nil {
		return nil, errs.New(errs.EventQueueNotInitialized, "no event queue initialized for sdk key %q", c.sdkKey)
	}
	return c.queue.Flush(), nil
}

// Close stops the client's background event consumer and removes its event
// queue and config registry entries. Platform data and client custom data
// stay installed for the SDK key.
func (c *Client) Close() {
	if c.stopFlag != nil {
		c.stopFlag()
	}
	c.reg.RemoveEventQueue(c.sdkKey)
	c.reg.RemoveConfig(c.sdkKey)
}
