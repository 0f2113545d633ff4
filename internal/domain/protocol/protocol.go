// Package protocol defines hanging-protocol definitions and the study metadata they are matched against.
package protocol

import (
	"fmt"
	"strings"
)

// Orientation selects the reconstruction plane of a volume viewport.
type Orientation string

const (
	// OrientationNone renders the acquired image stack without reformatting.
	OrientationNone Orientation = ""
	// OrientationAxial renders the axial plane.
	OrientationAxial Orientation = "AXIAL"
	// OrientationSagittal renders the sagittal plane.
	OrientationSagittal Orientation = "SAGITTAL"
	// OrientationCoronal renders the coronal plane.
	OrientationCoronal Orientation = "CORONAL"
)

// Valid reports whether the orientation is one of the supported planes.
func (o Orientation) Valid() bool {
	switch o {
	case OrientationNone, OrientationAxial, OrientationSagittal, OrientationCoronal:
		return true
	}
	return false
}

// NormalizeOrientation upper-cases and trims an orientation value.
func NormalizeOrientation(value string) Orientation {
	return Orientation(strings.ToUpper(strings.TrimSpace(value)))
}

// SyncMode names a property kept consistent across a sync group.
type SyncMode string

const (
	// SyncPan propagates camera translation.
	SyncPan SyncMode = "pan"
	// SyncZoom propagates camera scale.
	SyncZoom SyncMode = "zoom"
	// SyncScroll propagates the slice/frame index.
	SyncScroll SyncMode = "scroll"
	// SyncWindowLevel propagates grayscale width/center.
	SyncWindowLevel SyncMode = "windowLevel"
)

// Valid reports whether the mode is supported.
func (m SyncMode) Valid() bool {
	switch m {
	case SyncPan, SyncZoom, SyncScroll, SyncWindowLevel:
		return true
	}
	return false
}

// NormalizeSyncMode maps loosely formatted mode names onto the canonical values.
func NormalizeSyncMode(value string) SyncMode {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "pan":
		return SyncPan
	case "zoom":
		return SyncZoom
	case "scroll":
		return SyncScroll
	case "windowlevel", "window_level", "window-level", "voi":
		return SyncWindowLevel
	}
	return SyncMode(strings.TrimSpace(value))
}

// StudyMetadata summarises a study for protocol matching. It is built once per study and never mutated.
type StudyMetadata struct {
	StudyDescription string   `json:"studyDescription" yaml:"studyDescription"`
	Modalities       []string `json:"modalities" yaml:"modalities"`
	BodyPart         string   `json:"bodyPart" yaml:"bodyPart"`
	NumberOfSeries   int      `json:"numberOfSeries" yaml:"numberOfSeries"`
}

// SeriesRange is an inclusive bound on the number of series in a study. Either bound may be omitted.
type SeriesRange struct {
	Min *int `json:"min,omitempty" yaml:"min,omitempty"`
	Max *int `json:"max,omitempty" yaml:"max,omitempty"`
}

// Contains reports whether n lies within the range.
func (r SeriesRange) Contains(n int) bool {
	if r.Min != nil && n < *r.Min {
		return false
	}
	if r.Max != nil && n > *r.Max {
		return false
	}
	return true
}

// MatchingRules are the study-level criteria a protocol scores against.
type MatchingRules struct {
	StudyDescription []string     `json:"studyDescription,omitempty" yaml:"studyDescription,omitempty"`
	Modalities       []string     `json:"modalities,omitempty" yaml:"modalities,omitempty"`
	BodyPart         []string     `json:"bodyPart,omitempty" yaml:"bodyPart,omitempty"`
	NumberOfSeries   *SeriesRange `json:"numberOfSeries,omitempty" yaml:"numberOfSeries,omitempty"`
}

// IsEmpty reports whether no rule is configured.
func (r MatchingRules) IsEmpty() bool {
	return len(nonBlank(r.StudyDescription)) == 0 &&
		len(nonBlank(r.Modalities)) == 0 &&
		len(nonBlank(r.BodyPart)) == 0 &&
		r.NumberOfSeries == nil
}

// SeriesMatchingRules choose which series of a selection feeds a viewport.
type SeriesMatchingRules struct {
	Modality          string   `json:"modality,omitempty" yaml:"modality,omitempty"`
	SeriesDescription []string `json:"seriesDescription,omitempty" yaml:"seriesDescription,omitempty"`
	SeriesIndex       *int     `json:"seriesIndex,omitempty" yaml:"seriesIndex,omitempty"`
}

// Layout is the viewport grid of a protocol.
type Layout struct {
	Rows int `json:"rows" yaml:"rows"`
	Cols int `json:"cols" yaml:"cols"`
}

// ViewportConfig describes one viewport of a protocol.
type ViewportConfig struct {
	ViewportID          string               `json:"viewportId" yaml:"viewportId"`
	Orientation         Orientation          `json:"orientation,omitempty" yaml:"orientation,omitempty"`
	SeriesMatchingRules *SeriesMatchingRules `json:"seriesMatchingRules,omitempty" yaml:"seriesMatchingRules,omitempty"`
	ToolGroupID         string               `json:"toolGroupId,omitempty" yaml:"toolGroupId,omitempty"`
	InitialImageIndex   *int                 `json:"initialImageIndex,omitempty" yaml:"initialImageIndex,omitempty"`
}

// SyncGroupSpec links viewports of one protocol.
type SyncGroupSpec struct {
	GroupID     string     `json:"groupId" yaml:"groupId"`
	ViewportIDs []string   `json:"viewportIds" yaml:"viewportIds"`
	SyncModes   []SyncMode `json:"syncModes" yaml:"syncModes"`
}

// HasMode reports whether the group synchronises the given mode.
func (g SyncGroupSpec) HasMode(mode SyncMode) bool {
	for _, m := range g.SyncModes {
		if m == mode {
			return true
		}
	}
	return false
}

// Definition is a hanging protocol. Definitions are immutable once registered.
type Definition struct {
	ID            string           `json:"id" yaml:"id"`
	Name          string           `json:"name" yaml:"name"`
	MatchingRules MatchingRules    `json:"matchingRules" yaml:"matchingRules"`
	Layout        Layout           `json:"layout" yaml:"layout"`
	Viewports     []ViewportConfig `json:"viewports" yaml:"viewports"`
	SyncGroups    []SyncGroupSpec  `json:"syncGroups,omitempty" yaml:"syncGroups,omitempty"`
	Priority      int              `json:"priority" yaml:"priority"`
}

// Viewport returns the viewport configuration with the given id.
func (d Definition) Viewport(id string) (ViewportConfig, bool) {
	for _, vp := range d.Viewports {
		if vp.ViewportID == id {
			return vp, true
		}
	}
	return ViewportConfig{}, false
}

// Normalize trims identifiers and canonicalises enum values.
func (d Definition) Normalize() Definition {
	out := d.Clone()
	out.ID = strings.TrimSpace(out.ID)
	out.Name = strings.TrimSpace(out.Name)
	if out.Name == "" {
		out.Name = out.ID
	}
	for i := range out.Viewports {
		out.Viewports[i].ViewportID = strings.TrimSpace(out.Viewports[i].ViewportID)
		out.Viewports[i].Orientation = NormalizeOrientation(string(out.Viewports[i].Orientation))
		out.Viewports[i].ToolGroupID = strings.TrimSpace(out.Viewports[i].ToolGroupID)
	}
	for i := range out.SyncGroups {
		out.SyncGroups[i].GroupID = strings.TrimSpace(out.SyncGroups[i].GroupID)
		for j := range out.SyncGroups[i].ViewportIDs {
			out.SyncGroups[i].ViewportIDs[j] = strings.TrimSpace(out.SyncGroups[i].ViewportIDs[j])
		}
		for j := range out.SyncGroups[i].SyncModes {
			out.SyncGroups[i].SyncModes[j] = NormalizeSyncMode(string(out.SyncGroups[i].SyncModes[j]))
		}
	}
	return out
}

// Validate checks the structural invariants of a definition.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("protocol id required")
	}
	if d.Layout.Rows <= 0 || d.Layout.Cols <= 0 {
		return fmt.Errorf("protocol %s: layout rows and cols must be >0", d.ID)
	}
	if len(d.Viewports) == 0 {
		return fmt.Errorf("protocol %s: at least one viewport required", d.ID)
	}
	if len(d.Viewports) > d.Layout.Rows*d.Layout.Cols {
		return fmt.Errorf("protocol %s: %d viewports do not fit a %dx%d layout", d.ID, len(d.Viewports), d.Layout.Rows, d.Layout.Cols)
	}
	if r := d.MatchingRules.NumberOfSeries; r != nil && r.Min != nil && r.Max != nil && *r.Min > *r.Max {
		return fmt.Errorf("protocol %s: numberOfSeries min %d exceeds max %d", d.ID, *r.Min, *r.Max)
	}
	viewports := make(map[string]struct{}, len(d.Viewports))
	for _, vp := range d.Viewports {
		if vp.ViewportID == "" {
			return fmt.Errorf("protocol %s: viewport id required", d.ID)
		}
		if _, dup := viewports[vp.ViewportID]; dup {
			return fmt.Errorf("protocol %s: duplicate viewport id %q", d.ID, vp.ViewportID)
		}
		if !vp.Orientation.Valid() {
			return fmt.Errorf("protocol %s: viewport %s: unsupported orientation %q", d.ID, vp.ViewportID, vp.Orientation)
		}
		if vp.InitialImageIndex != nil && *vp.InitialImageIndex < 0 {
			return fmt.Errorf("protocol %s: viewport %s: initialImageIndex must be >=0", d.ID, vp.ViewportID)
		}
		viewports[vp.ViewportID] = struct{}{}
	}
	groups := make(map[string]struct{}, len(d.SyncGroups))
	for _, group := range d.SyncGroups {
		if group.GroupID == "" {
			return fmt.Errorf("protocol %s: sync group id required", d.ID)
		}
		if _, dup := groups[group.GroupID]; dup {
			return fmt.Errorf("protocol %s: duplicate sync group %q", d.ID, group.GroupID)
		}
		groups[group.GroupID] = struct{}{}
		if len(group.SyncModes) == 0 {
			return fmt.Errorf("protocol %s: sync group %s: at least one mode required", d.ID, group.GroupID)
		}
		for _, mode := range group.SyncModes {
			if !mode.Valid() {
				return fmt.Errorf("protocol %s: sync group %s: unsupported mode %q", d.ID, group.GroupID, mode)
			}
		}
		for _, id := range group.ViewportIDs {
			if _, ok := viewports[id]; !ok {
				return fmt.Errorf("protocol %s: sync group %s references unknown viewport %q", d.ID, group.GroupID, id)
			}
		}
	}
	return nil
}

// Clone returns a deep copy of the definition.
func (d Definition) Clone() Definition {
	out := d
	out.MatchingRules = d.MatchingRules.clone()
	if d.Viewports != nil {
		out.Viewports = make([]ViewportConfig, len(d.Viewports))
		for i, vp := range d.Viewports {
			out.Viewports[i] = vp.clone()
		}
	}
	if d.SyncGroups != nil {
		out.SyncGroups = make([]SyncGroupSpec, len(d.SyncGroups))
		for i, g := range d.SyncGroups {
			out.SyncGroups[i] = SyncGroupSpec{
				GroupID:     g.GroupID,
				ViewportIDs: cloneStrings(g.ViewportIDs),
				SyncModes:   append([]SyncMode(nil), g.SyncModes...),
			}
		}
	}
	return out
}

func (r MatchingRules) clone() MatchingRules {
	out := MatchingRules{
		StudyDescription: cloneStrings(r.StudyDescription),
		Modalities:       cloneStrings(r.Modalities),
		BodyPart:         cloneStrings(r.BodyPart),
		NumberOfSeries:   nil,
	}
	if r.NumberOfSeries != nil {
		out.NumberOfSeries = &SeriesRange{Min: cloneInt(r.NumberOfSeries.Min), Max: cloneInt(r.NumberOfSeries.Max)}
	}
	return out
}

func (vp ViewportConfig) clone() ViewportConfig {
	out := vp
	out.InitialImageIndex = cloneInt(vp.InitialImageIndex)
	if vp.SeriesMatchingRules != nil {
		rules := SeriesMatchingRules{
			Modality:          vp.SeriesMatchingRules.Modality,
			SeriesDescription: cloneStrings(vp.SeriesMatchingRules.SeriesDescription),
			SeriesIndex:       cloneInt(vp.SeriesMatchingRules.SeriesIndex),
		}
		out.SeriesMatchingRules = &rules
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

func nonBlank(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}

// IntPtr returns a pointer to n. Handy for literal definitions.
func IntPtr(n int) *int {
	return &n
}
