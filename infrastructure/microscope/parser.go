// Package microscope understands microscope output: how components are
// encoded in image file names and what layout metadata a well's images
// imply.
package microscope

import (
	"regexp"
	"strconv"

	"github.com/ahrav/go-wellflow/internal/domain"
	"github.com/ahrav/go-wellflow/internal/ports"
)

// imageXpressPattern matches names like A01_s3_w2.tif or A01_s3_w2_z004.tif.
var imageXpressPattern = regexp.MustCompile(
	`^(?P<well>[A-Z]{1,2}\d{2})_s(?P<site>\d+)_w(?P<channel>\d+)(?:_z(?P<z_index>\d+))?\.(?P<ext>[A-Za-z0-9]+)$`)

// ImageXpressParser parses ImageXpress-style file names. Numeric components
// are normalized to their decimal value without leading zeros so that
// s01 and s1 name the same site.
type ImageXpressParser struct{}

var _ ports.FilenameParser = ImageXpressParser{}

// Parse implements ports.FilenameParser. A missing z index parses as "1".
func (ImageXpressParser) Parse(name string) (map[domain.Component]string, bool) {
	m := imageXpressPattern.FindStringSubmatch(name)
	if m == nil {
		return nil, false
	}

	out := map[domain.Component]string{domain.ComponentZIndex: "1"}
	for i, group := range imageXpressPattern.SubexpNames() {
		if i == 0 || m[i] == "" {
			continue
		}
		c, ok := domain.ParseComponent(group)
		if !ok {
			continue
		}
		v := m[i]
		if c != domain.ComponentWell {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, false
			}
			v = strconv.Itoa(n)
		}
		out[c] = v
	}
	return out, true
}
