// Package testutils provides synthetic microscope plates for tests, demos
// and benchmarks. These components are intended for internal use within
// the project's test suites and tools and are not part of the public API.
package testutils

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"math/rand"
	"os"
	"path"
	"path/filepath"
	"slices"

	"github.com/ahrav/go-wellflow/internal/domain"
)

// PlateSpec describes the shape of a synthetic plate.
type PlateSpec struct {
	// Wells lists the well identifiers, e.g. A01.
	Wells []string `json:"wells" validate:"required,min=1,dive,required"`

	// Sites is the number of imaged sites per well.
	Sites int `json:"sites" validate:"min=1,max=1024"`

	// Channels is the number of channels per site.
	Channels int `json:"channels" validate:"min=1,max=16"`

	// ZPlanes is the number of focal planes. One plane omits the z suffix
	// from file names.
	ZPlanes int `json:"z_planes" validate:"min=1,max=256"`

	// Pixels is the number of pixel values per image.
	Pixels int `json:"pixels" validate:"min=1,max=1048576"`
}

// DefaultPlateSpec returns a two-well plate with a 2x2 site grid and two
// channels.
func DefaultPlateSpec() PlateSpec {
	return PlateSpec{
		Wells:    []string{"A01", "A02"},
		Sites:    4,
		Channels: 2,
		ZPlanes:  1,
		Pixels:   16,
	}
}

// Plate is a generated set of images keyed by ImageXpress file name.
type Plate struct {
	Spec   PlateSpec
	Seed   int64
	Images map[string][]float64
}

// Saver writes one value. storage.FileManager satisfies it.
type Saver interface {
	Save(ctx context.Context, data any, path string, backend domain.Backend) error
}

// ImageName returns the ImageXpress file name of one image.
func ImageName(well string, site, channel, z, zPlanes int) string {
	if zPlanes <= 1 {
		return fmt.Sprintf("%s_s%d_w%d.tif", well, site, channel)
	}
	return fmt.Sprintf("%s_s%d_w%d_z%03d.tif", well, site, channel, z)
}

// GeneratePlate creates a plate from spec. The seed parameter controls
// randomization; a fixed value gives reproducible pixels.
func GeneratePlate(spec PlateSpec, seed int64) (*Plate, error) {
	if err := NewTestValidator().Struct(spec); err != nil {
		return nil, fmt.Errorf("invalid plate spec: %w", err)
	}

	rng := rand.New(rand.NewSource(seed))
	p := &Plate{
		Spec:   spec,
		Seed:   seed,
		Images: make(map[string][]float64, len(spec.Wells)*spec.Sites*spec.Channels*spec.ZPlanes),
	}
	for _, well := range spec.Wells {
		for site := 1; site <= spec.Sites; site++ {
			for ch := 1; ch <= spec.Channels; ch++ {
				for z := 1; z <= spec.ZPlanes; z++ {
					img := make([]float64, spec.Pixels)
					// Channels differ in brightness so per-channel steps are visible.
					base := float64(ch * 100)
					for i := range img {
						img[i] = base + float64(rng.Intn(100))
					}
					p.Images[ImageName(well, site, ch, z, spec.ZPlanes)] = img
				}
			}
		}
	}
	return p, nil
}

// Names returns the image names in sorted order.
func (p *Plate) Names() []string {
	return slices.Sorted(maps.Keys(p.Images))
}

// SavePlate writes every image under dir on backend.
func SavePlate(ctx context.Context, p *Plate, s Saver, dir string, backend domain.Backend) error {
	for _, name := range p.Names() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.Save(ctx, p.Images[name], path.Join(dir, name), backend); err != nil {
			return fmt.Errorf("save %s: %w", name, err)
		}
	}
	return nil
}

// PlateStatistics summarizes a generated plate.
type PlateStatistics struct {
	Wells         int `json:"wells"`
	Images        int `json:"images"`
	ImagesPerWell int `json:"images_per_well"`
	TotalPixels   int `json:"total_pixels"`
}

// ComputePlateStatistics calculates summary statistics for a plate.
func ComputePlateStatistics(p *Plate) PlateStatistics {
	stats := PlateStatistics{
		Wells:  len(p.Spec.Wells),
		Images: len(p.Images),
	}
	if stats.Wells > 0 {
		stats.ImagesPerWell = stats.Images / stats.Wells
	}
	for _, img := range p.Images {
		stats.TotalPixels += len(img)
	}
	return stats
}

// plateManifest is the JSON document written next to a saved plate.
type plateManifest struct {
	Spec       PlateSpec       `json:"spec"`
	Seed       int64           `json:"seed"`
	Statistics PlateStatistics `json:"statistics"`
	Images     []string        `json:"images"`
}

// SaveManifest writes a JSON description of the plate to path.
func SaveManifest(p *Plate, path string) error {
	data, err := json.MarshalIndent(plateManifest{
		Spec:       p.Spec,
		Seed:       p.Seed,
		Statistics: ComputePlateStatistics(p),
		Images:     p.Names(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}
