// Package placements loads the catalogue of ad placements a page may host.
package placements

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadtag/internal/gateway"
)

// Breakpoint applies its sizes when the viewport is at least MinWidth by
// MinHeight.
type Breakpoint struct {
	MinWidth  float64
	MinHeight float64
	Sizes     []gateway.Size
}

type Placement struct {
	ID         string
	AdUnitPath string
	Kind       gateway.Kind
	Refresh    bool
	Floating   bool
	// Breakpoints are ordered from the largest viewport down.
	Breakpoints []Breakpoint
}

// Sizes returns the size candidates for a viewport of w by h. With no
// matching breakpoint the smallest one applies.
func (p Placement) Sizes(w, h float64) []gateway.Size {
	for _, bp := range p.Breakpoints {
		if w >= bp.MinWidth && h >= bp.MinHeight {
			return bp.Sizes
		}
	}
	if len(p.Breakpoints) == 0 {
		return nil
	}
	return p.Breakpoints[len(p.Breakpoints)-1].Sizes
}

type Catalogue struct {
	Placements []Placement
	byID       map[string]int
}

func (c *Catalogue) Get(id string) (Placement, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Placement{}, false
	}
	return c.Placements[i], true
}

type fileBreakpoint struct {
	Viewport []float64 `yaml:"viewport"`
	Sizes    [][]int   `yaml:"sizes"`
}

type filePlacement struct {
	ID          string           `yaml:"id"`
	AdUnit      string           `yaml:"ad_unit"`
	Kind        string           `yaml:"kind"`
	Refresh     *bool            `yaml:"refresh"`
	Floating    bool             `yaml:"floating"`
	SizeMapping []fileBreakpoint `yaml:"size_mapping"`
}

type file struct {
	Placements []filePlacement `yaml:"placements"`
}

var ErrNoPlacements = errors.New("no valid placements")

// Load reads a catalogue from path.
func Load(path string, logger *zap.Logger) (*Catalogue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read placements: %w", err)
	}
	return Parse(data, logger)
}

// Parse decodes a YAML catalogue. Invalid placements are configuration
// errors: each is logged and skipped so the rest of the page still serves.
func Parse(data []byte, logger *zap.Logger) (*Catalogue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, gateway.Err(gateway.ErrConfiguration, err, "decode placements")
	}

	c := &Catalogue{byID: make(map[string]int)}
	for i, fp := range f.Placements {
		p, err := fp.toPlacement()
		if err == nil {
			if _, dup := c.byID[p.ID]; dup {
				err = fmt.Errorf("duplicate placement id %q", p.ID)
			}
		}
		if err != nil {
			logger.Error("skipping placement",
				zap.Int("index", i),
				zap.String("placement_id", fp.ID),
				zap.Error(gateway.Err(gateway.ErrConfiguration, err, "invalid placement")),
			)
			continue
		}
		c.byID[p.ID] = len(c.Placements)
		c.Placements = append(c.Placements, p)
	}
	if len(c.Placements) == 0 {
		return nil, gateway.Err(gateway.ErrConfiguration, ErrNoPlacements, "load placements")
	}
	return c, nil
}

func (fp filePlacement) toPlacement() (Placement, error) {
	if fp.ID == "" {
		return Placement{}, errors.New("missing id")
	}
	if fp.AdUnit == "" {
		return Placement{}, errors.New("missing ad_unit")
	}
	kind := gateway.KindDisplay
	if fp.Kind != "" {
		k, err := gateway.ParseKind(fp.Kind)
		if err != nil {
			return Placement{}, err
		}
		kind = k
	}
	p := Placement{
		ID:         fp.ID,
		AdUnitPath: fp.AdUnit,
		Kind:       kind,
		Refresh:    fp.Refresh == nil || *fp.Refresh,
		Floating:   fp.Floating,
	}
	for _, fb := range fp.SizeMapping {
		if len(fb.Viewport) != 2 {
			return Placement{}, fmt.Errorf("viewport must be [width, height], got %v", fb.Viewport)
		}
		bp := Breakpoint{MinWidth: fb.Viewport[0], MinHeight: fb.Viewport[1]}
		for _, s := range fb.Sizes {
			if len(s) != 2 || s[0] <= 0 || s[1] <= 0 {
				return Placement{}, fmt.Errorf("invalid size %v", s)
			}
			bp.Sizes = append(bp.Sizes, gateway.Size{W: s[0], H: s[1]})
		}
		if len(bp.Sizes) == 0 {
			return Placement{}, fmt.Errorf("breakpoint %v has no sizes", fb.Viewport)
		}
		p.Breakpoints = append(p.Breakpoints, bp)
	}
	if len(p.Breakpoints) == 0 {
		return Placement{}, errors.New("missing size_mapping")
	}
	sort.SliceStable(p.Breakpoints, func(i, j int) bool {
		a, b := p.Breakpoints[i], p.Breakpoints[j]
		if a.MinWidth != b.MinWidth {
			return a.MinWidth > b.MinWidth
		}
		return a.MinHeight > b.MinHeight
	})
	return p, nil
}
