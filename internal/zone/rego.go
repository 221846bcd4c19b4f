package zone

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// RegoQuery is the rule a policy must define.
const RegoQuery = "data.dutywatch.zone.classification"

//go:embed policy.rego
var defaultPolicy string

// DefaultPolicy returns the built-in policy, equivalent to PhraseClassifier.
func DefaultPolicy() string {
	return defaultPolicy
}

// RegoClassifier evaluates a Rego policy for every text. The grammar is
// passed as input.grammar so the same policy can serve several zones.
type RegoClassifier struct {
	query   rego.PreparedEvalQuery
	grammar map[string]interface{}
	logger  zerolog.Logger
}

// NewRegoClassifier compiles source (the policy text) and prepares the
// classification query. name is used in parse errors.
func NewRegoClassifier(ctx context.Context, name, source string, g Grammar, logger zerolog.Logger) (*RegoClassifier, error) {
	module, err := ast.ParseModule(name, source)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy %s: %w", name, err)
	}

	query, err := rego.New(
		rego.Query(RegoQuery),
		rego.Module(name, source),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare classification query: %w", err)
	}

	terms := make([]interface{}, 0, len(g.VehicleTerminators))
	for _, t := range g.VehicleTerminators {
		terms = append(terms, t)
	}

	c := &RegoClassifier{
		query: query,
		grammar: map[string]interface{}{
			"location_marker":     g.LocationMarker,
			"vehicle_marker":      g.VehicleMarker,
			"vehicle_terminators": terms,
			"unknown_vehicle":     g.unknown(),
		},
		logger: logger.With().Str("component", "zone-rego").Logger(),
	}
	c.logger.Info().Str("policy", name).Str("package", module.Package.Path.String()).Msg("Zone classification policy loaded")

	return c, nil
}

// LoadRegoClassifier reads a policy file, or uses the built-in policy when
// path is empty.
func LoadRegoClassifier(ctx context.Context, path string, g Grammar, logger zerolog.Logger) (*RegoClassifier, error) {
	if path == "" {
		return NewRegoClassifier(ctx, "builtin/zone.rego", defaultPolicy, g, logger)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	return NewRegoClassifier(ctx, path, string(content), g, logger)
}

// Classify implements Classifier.
func (c *RegoClassifier) Classify(ctx context.Context, text string) (Classification, error) {
	input := map[string]interface{}{
		"text":    text,
		"grammar": c.grammar,
	}

	results, err := c.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Classification{}, fmt.Errorf("classification query evaluation failed: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Classification{}, fmt.Errorf("no results from classification query")
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Classification{}, fmt.Errorf("classification is not an object: %T", results[0].Expressions[0].Value)
	}

	active, _ := obj["active"].(bool)
	vehicle, _ := obj["vehicle"].(string)
	if active && vehicle == "" {
		vehicle = UnknownVehicle
	}

	return Classification{Active: active, Vehicle: vehicle}, nil
}
