// Command bucketsim wires a hand-written config through the bucketing
// client and prints a variable evaluation, mirroring the sequence an
// embedding SDK runs: install a config, evaluate a variable for a user,
// flush the event queue.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/flagbucket/bucketing"
	"github.com/flagbucket/bucketing/events"
	"github.com/flagbucket/bucketing/model"
	"github.com/flagbucket/bucketing/registry"
)

func rawBool(b bool) json.RawMessage {
	out, _ := json.Marshal(b)
	return out
}

func sampleConfig() model.FullConfig {
	return model.FullConfig{
		Project:     model.Project{ID: "proj1", Key: "sample-project"},
		Environment: model.Environment{ID: "env1", Key: "production"},
		Variables: []model.Variable{
			{ID: "var1", Key: "show-new-checkout", Type: model.VariableTypeBoolean},
		},
		Features: []model.Feature{
			{
				ID:  "feat1",
				Key: "new-checkout",
				Variations: []model.Variation{
					{ID: "var-on", Key: "on", Name: "Enabled", Variables: []model.VariationVariable{{VariableID: "var1", Value: rawBool(true)}}},
					{ID: "var-off", Key: "off", Name: "Disabled", Variables: []model.VariationVariable{{VariableID: "var1", Value: rawBool(false)}}},
				},
				Configuration: model.FeatureConfiguration{
					Targets: []model.Target{
						{
							ID: "target1",
							Audience: model.NoIDAudience{
								Filters: model.AudienceOperator{Operator: "and", Filters: []model.Filter{{Type: "all"}}},
							},
							Distribution: []model.TargetDistribution{
								{Variation: "var-on", Percentage: 0.5},
								{Variation: "var-off", Percentage: 0.5},
							},
							BucketingKey: "user_id",
						},
					},
				},
			},
		},
		Audiences: map[string]json.RawMessage{},
	}
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reg := registry.New()
	client := bucketing.New("sample-sdk-key", reg)

	if err := client.InitSDKKey(ctx, sampleConfig(), events.DefaultOptions(), nil, nil); err != nil {
		log.Fatalf("init sdk key: %v", err)
	}
	defer client.Close()

	user := model.User{UserID: "user-42", Email: "user42@example.com"}

	result, err := client.VariableForUser(user, "show-new-checkout", model.VariableTypeBoolean)
	if err != nil {
		log.Fatalf("variable for user: %v", err)
	}
	fmt.Printf("show-new-checkout = %s (reason: %s)\n", result.Value, result.Eval.Reason)

	bucketed, err := client.GenerateBucketedConfigFromUser(user)
	if err != nil {
		log.Fatalf("generate bucketed config: %v", err)
	}
	fmt.Printf("features qualified: %d\n", len(bucketed.Features))

	time.Sleep(50 * time.Millisecond)
	batches, err := client.Flush()
	if err != nil {
		log.Fatalf("flush: %v", err)
	}
	for _, batch := range batches {
		fmt.Printf("flushed batch %s with %d user event entries\n", batch.BatchID, len(batch.UserEvents))
	}
}
