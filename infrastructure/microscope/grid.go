package microscope

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/ahrav/go-wellflow/internal/domain"
	"github.com/ahrav/go-wellflow/internal/ports"
)

// Lister lists the entries of a directory on a storage backend.
// storage.FileManager satisfies it.
type Lister interface {
	List(ctx context.Context, dir string, backend domain.Backend) ([]string, error)
}

// GridProvider derives per-well metadata from the names of the well's
// input images: site count, site grid dimensions and channel list.
// Results are cached per well and concurrent requests for the same well
// share one directory scan.
type GridProvider struct {
	lister  Lister
	parser  ports.FilenameParser
	dir     string
	backend domain.Backend
	extra   domain.Metadata
	logger  *slog.Logger

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]domain.Metadata
}

var _ ports.MetadataProvider = (*GridProvider)(nil)

// GridOption configures a GridProvider.
type GridOption func(*GridProvider)

// WithStaticMetadata adds metadata shared by every well, such as the pixel
// size. Discovered keys take precedence.
func WithStaticMetadata(md domain.Metadata) GridOption {
	return func(p *GridProvider) { p.extra = md }
}

// WithLogger sets the provider's logger.
func WithLogger(logger *slog.Logger) GridOption {
	return func(p *GridProvider) { p.logger = logger }
}

// NewGridProvider creates a provider scanning dir on backend.
func NewGridProvider(lister Lister, parser ports.FilenameParser, dir string, backend domain.Backend, opts ...GridOption) *GridProvider {
	p := &GridProvider{
		lister:  lister,
		parser:  parser,
		dir:     dir,
		backend: backend,
		extra:   domain.NewMetadata(),
		logger:  slog.Default(),
		cache:   make(map[string]domain.Metadata),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Metadata implements ports.MetadataProvider.
func (p *GridProvider) Metadata(ctx context.Context, well string) (domain.Metadata, error) {
	p.mu.RLock()
	md, ok := p.cache[well]
	p.mu.RUnlock()
	if ok {
		return md, nil
	}

	v, err, _ := p.group.Do(well, func() (any, error) {
		md, err := p.discover(ctx, well)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.cache[well] = md
		p.mu.Unlock()
		return md, nil
	})
	if err != nil {
		return domain.Metadata{}, err
	}
	return v.(domain.Metadata), nil
}

func (p *GridProvider) discover(ctx context.Context, well string) (domain.Metadata, error) {
	names, err := p.lister.List(ctx, p.dir, p.backend)
	if err != nil {
		return domain.Metadata{}, fmt.Errorf("list %s: %w", p.dir, err)
	}

	sites := make(map[int]struct{})
	channels := make(map[string]struct{})
	for _, name := range names {
		comps, ok := p.parser.Parse(name)
		if !ok || comps[domain.ComponentWell] != well {
			continue
		}
		if s, err := strconv.Atoi(comps[domain.ComponentSite]); err == nil {
			sites[s] = struct{}{}
		}
		if ch := comps[domain.ComponentChannel]; ch != "" {
			channels[ch] = struct{}{}
		}
	}
	if len(sites) == 0 {
		return domain.Metadata{}, fmt.Errorf("%w: no images for well %s in %s", domain.ErrMissingMetadata, well, p.dir)
	}

	chans := make([]string, 0, len(channels))
	for ch := range channels {
		chans = append(chans, ch)
	}
	slices.SortFunc(chans, compareNumeric)

	md := p.extra
	md = domain.With(md, domain.KeySiteCount, len(sites))
	md = domain.With(md, domain.KeyGridDimensions, GridFor(len(sites)))
	md = domain.With(md, domain.KeyChannels, chans)

	p.logger.Debug("discovered well metadata", "well", well, "sites", len(sites), "channels", len(chans))
	return md, nil
}

// GridFor returns the most square grid holding n sites, with at least as
// many columns as rows.
func GridFor(n int) domain.GridDimensions {
	if n <= 0 {
		return domain.GridDimensions{}
	}
	cols := int(math.Ceil(math.Sqrt(float64(n))))
	rows := (n + cols - 1) / cols
	return domain.GridDimensions{Rows: rows, Columns: cols}
}

// compareNumeric orders decimal strings by value and anything else
// lexically after them.
func compareNumeric(a, b string) int {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	switch {
	case aerr == nil && berr == nil:
		return ai - bi
	case aerr == nil:
		return -1
	case berr == nil:
		return 1
	}
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// StaticProvider returns the same metadata for every well.
type StaticProvider struct {
	md domain.Metadata
}

var _ ports.MetadataProvider = StaticProvider{}

// NewStaticProvider creates a provider returning md.
func NewStaticProvider(md domain.Metadata) StaticProvider { return StaticProvider{md: md} }

// Metadata implements ports.MetadataProvider.
func (s StaticProvider) Metadata(context.Context, string) (domain.Metadata, error) {
	return s.md, nil
}

// DiscoverWells lists dir and returns the sorted, distinct wells named by
// parseable file names.
func DiscoverWells(ctx context.Context, lister Lister, parser ports.FilenameParser, dir string, backend domain.Backend) ([]string, error) {
	names, err := lister.List(ctx, dir, backend)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var wells []string
	for _, name := range names {
		comps, ok := parser.Parse(name)
		if !ok {
			continue
		}
		wells = append(wells, comps[domain.ComponentWell])
	}
	slices.Sort(wells)
	return slices.Compact(wells), nil
}
