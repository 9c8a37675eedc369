// Command generate_plate writes a synthetic ImageXpress plate to disk for
// demos and benchmarks.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/ahrav/go-wellflow/infrastructure/storage"
	"github.com/ahrav/go-wellflow/internal/domain"
	"github.com/ahrav/go-wellflow/internal/testutils"
)

func main() {
	def := testutils.DefaultPlateSpec()
	var (
		root     = flag.String("root", "testdata/plate", "Root directory of the disk backend")
		dir      = flag.String("dir", "input", "Directory under root to write images to")
		wells    = flag.String("wells", strings.Join(def.Wells, ","), "Comma separated well identifiers")
		sites    = flag.Int("sites", def.Sites, "Sites per well")
		channels = flag.Int("channels", def.Channels, "Channels per site")
		zPlanes  = flag.Int("z", def.ZPlanes, "Focal planes per channel")
		pixels   = flag.Int("pixels", def.Pixels, "Pixel values per image")
		seed     = flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	)
	flag.Parse()

	spec := testutils.PlateSpec{
		Wells:    strings.Split(*wells, ","),
		Sites:    *sites,
		Channels: *channels,
		ZPlanes:  *zPlanes,
		Pixels:   *pixels,
	}
	plate, err := testutils.GeneratePlate(spec, *seed)
	if err != nil {
		log.Fatalf("Failed to generate plate: %v", err)
	}

	reg := storage.NewRegistry()
	if err := storage.RegisterDefaults(reg, storage.Options{Root: *root}); err != nil {
		log.Fatalf("Failed to set up storage: %v", err)
	}
	handle := reg.NewHandle()
	defer handle.Close()

	if err := testutils.SavePlate(context.Background(), plate, handle, *dir, domain.BackendDisk); err != nil {
		log.Fatalf("Failed to save plate: %v", err)
	}
	manifest := filepath.Join(*root, "plate.json")
	if err := testutils.SaveManifest(plate, manifest); err != nil {
		log.Fatalf("Failed to save manifest: %v", err)
	}

	stats := testutils.ComputePlateStatistics(plate)
	fmt.Printf("Generated plate:\n")
	fmt.Printf("- Root: %s\n", *root)
	fmt.Printf("- Wells: %d\n", stats.Wells)
	fmt.Printf("- Images: %d (%d per well)\n", stats.Images, stats.ImagesPerWell)
	fmt.Printf("- Pixels: %d\n", stats.TotalPixels)
	fmt.Printf("- Manifest: %s\n", manifest)
}
