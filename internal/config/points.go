package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/example/campus-ride-matching/internal/models"
)

//go:embed points.yaml
var defaultPoints []byte

type pointsFile struct {
	Points []models.PickupPoint `yaml:"points"`
}

// LoadPoints reads the pickup point set from path, or the built-in set when
// path is empty.
func LoadPoints(path string) ([]models.PickupPoint, error) {
	raw := defaultPoints
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read points file: %w", err)
		}
		raw = b
	}
	return ParsePoints(raw)
}

// ParsePoints decodes and validates a YAML point set. Names must be unique and
// non-empty, coordinates valid and capacity positive.
func ParsePoints(raw []byte) ([]models.PickupPoint, error) {
	var f pointsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode points: %w", err)
	}
	if len(f.Points) == 0 {
		return nil, errors.New("no pickup points configured")
	}
	var errs []error
	seen := make(map[string]struct{}, len(f.Points))
	for i := range f.Points {
		p := &f.Points[i]
		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("point #%d: empty name", i+1))
			continue
		}
		if _, dup := seen[p.Name]; dup {
			errs = append(errs, fmt.Errorf("point %q: duplicate name", p.Name))
		}
		seen[p.Name] = struct{}{}
		if !p.Coord.Valid() {
			errs = append(errs, fmt.Errorf("point %q: invalid coordinates", p.Name))
		}
		if p.Capacity <= 0 {
			errs = append(errs, fmt.Errorf("point %q: capacity must be > 0", p.Name))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return f.Points, nil
}
