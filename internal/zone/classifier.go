// Package zone infers zone visits from free-text presence activity.
//
// A Classifier turns one activity text into a Classification. A Tracker runs
// the per-user OUTSIDE/INSIDE state machine over those classifications and
// keeps the visit history in step with the state.
package zone

import (
	"context"
	"strings"
)

// Classification is the verdict for one presence text.
type Classification struct {
	Active  bool
	Vehicle string
}

// Classifier inspects a presence text.
type Classifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}

// Grammar is the lexical rule for recognising a zone visit.
type Grammar struct {
	LocationMarker     string   `json:"location_marker"`
	VehicleMarker      string   `json:"vehicle_marker"`
	VehicleTerminators []string `json:"vehicle_terminators"`
	UnknownVehicle     string   `json:"unknown_vehicle"`
}

// UnknownVehicle labels a visit whose vehicle could not be extracted.
const UnknownVehicle = "CARNOTFOUND"

// DefaultGrammar matches "... Vinewood Park Dr ... bên trong xe <vehicle> tại ...".
func DefaultGrammar() Grammar {
	return Grammar{
		LocationMarker:     "Vinewood Park Dr",
		VehicleMarker:      "bên trong xe",
		VehicleTerminators: []string{" tại ", " vào "},
		UnknownVehicle:     UnknownVehicle,
	}
}

func (g Grammar) unknown() string {
	if g.UnknownVehicle == "" {
		return UnknownVehicle
	}
	return g.UnknownVehicle
}

// PhraseClassifier applies a Grammar with plain substring matching.
type PhraseClassifier struct {
	grammar Grammar
}

// NewPhraseClassifier creates a classifier for g.
func NewPhraseClassifier(g Grammar) *PhraseClassifier {
	return &PhraseClassifier{grammar: g}
}

// Classify implements Classifier. It never fails.
func (c *PhraseClassifier) Classify(_ context.Context, text string) (Classification, error) {
	g := c.grammar
	if g.LocationMarker == "" || g.VehicleMarker == "" {
		return Classification{}, nil
	}
	if !strings.Contains(text, g.LocationMarker) || !strings.Contains(text, g.VehicleMarker) {
		return Classification{}, nil
	}

	// Vehicle is whatever follows the last vehicle marker, cut at the first
	// terminator.
	tail := text[strings.LastIndex(text, g.VehicleMarker)+len(g.VehicleMarker):]
	vehicle := strings.TrimSpace(tail)
	for _, term := range g.VehicleTerminators {
		if term == "" {
			continue
		}
		if i := strings.Index(vehicle, term); i >= 0 {
			vehicle = vehicle[:i]
		}
	}
	vehicle = strings.TrimSpace(vehicle)
	if vehicle == "" {
		vehicle = g.unknown()
	}

	return Classification{Active: true, Vehicle: vehicle}, nil
}

// ClassifyAll classifies texts in order and returns the first active
// verdict. An error from the classifier stops the scan.
func ClassifyAll(ctx context.Context, c Classifier, texts []string) (Classification, error) {
	for _, text := range texts {
		res, err := c.Classify(ctx, text)
		if err != nil {
			return Classification{}, err
		}
		if res.Active {
			return res, nil
		}
	}
	return Classification{}, nil
}
