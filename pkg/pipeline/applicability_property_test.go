//go:build property
// +build property

// Package pipeline_test contains property-based tests for the middleware
// applicability law.
package pipeline_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/excalibur-labs/dispatch/pkg/messaging"
	"github.com/excalibur-labs/dispatch/pkg/pipeline"
)

func genKind() gopter.Gen {
	return gen.OneConstOf(messaging.KindAction, messaging.KindEvent, messaging.KindDocument)
}

func genKinds() gopter.Gen {
	return gen.SliceOf(genKind())
}

func genFeatures() gopter.Gen {
	return gen.SliceOf(gen.OneConstOf(
		messaging.FeatureTracing, messaging.FeatureMetrics, messaging.FeatureAuth, messaging.Feature("extra"),
	))
}

// kindIn mirrors the descriptor law's set membership: an empty applicable
// list matches every kind, an empty excluded list matches none.
func kindIn(kinds []messaging.MessageKind, kind messaging.MessageKind, emptyMeansAll bool) bool {
	if len(kinds) == 0 {
		return emptyMeansAll
	}
	for _, k := range kinds {
		if k == messaging.KindAll || k == kind {
			return true
		}
	}
	return false
}

// TestApplicabilityLaw verifies Applies against the set-algebra definition:
// kind in applicable minus excluded, and required features a subset of the
// active features.
func TestApplicabilityLaw(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Applies matches the set-algebra law", prop.ForAll(
		func(applicable, excluded []messaging.MessageKind, required, active []messaging.Feature, kind messaging.MessageKind) bool {
			desc := pipeline.Descriptor{
				Name:             "p",
				ApplicableKinds:  applicable,
				ExcludedKinds:    excluded,
				RequiredFeatures: required,
			}
			activeSet := messaging.NewFeatureSet(active...)

			want := kindIn(applicable, kind, true) &&
				!kindIn(excluded, kind, false) &&
				activeSet.ContainsAll(required)

			return desc.Applies(kind, activeSet) == want
		},
		genKinds(), genKinds(), genFeatures(), genFeatures(), genKind(),
	))

	properties.Property("adding features never removes applicability", prop.ForAll(
		func(applicable []messaging.MessageKind, required, active []messaging.Feature, kind messaging.MessageKind) bool {
			desc := pipeline.Descriptor{Name: "p", ApplicableKinds: applicable, RequiredFeatures: required}
			base := messaging.NewFeatureSet(active...)
			wider := base.Clone()
			wider[messaging.Feature("added")] = struct{}{}

			if desc.Applies(kind, base) && !desc.Applies(kind, wider) {
				return false
			}
			return true
		},
		genKinds(), genFeatures(), genFeatures(), genKind(),
	))

	properties.TestingRun(t)
}
