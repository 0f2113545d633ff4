package protocol

import (
	"math"

	domain "github.com/coachpo/mprview/internal/domain/protocol"
)

// FallbackID identifies the universal fallback protocol.
const FallbackID = "default"

// FallbackPriority is the priority of the universal fallback; nothing ranks below it.
const FallbackPriority = math.MinInt32

var builtins = []domain.Definition{
	{
		ID:   "ct-chest-3view",
		Name: "CT Chest MPR",
		MatchingRules: domain.MatchingRules{
			StudyDescription: []string{"chest", "thorax", "lung"},
			Modalities:       []string{"CT"},
			BodyPart:         []string{"chest", "thorax"},
		},
		Layout: domain.Layout{Rows: 1, Cols: 3},
		Viewports: []domain.ViewportConfig{
			{ViewportID: "ct-axial", Orientation: domain.OrientationAxial, ToolGroupID: "mpr"},
			{ViewportID: "ct-sagittal", Orientation: domain.OrientationSagittal, ToolGroupID: "mpr"},
			{ViewportID: "ct-coronal", Orientation: domain.OrientationCoronal, ToolGroupID: "mpr"},
		},
		SyncGroups: []domain.SyncGroupSpec{
			{GroupID: "ct-voi", ViewportIDs: []string{"ct-axial", "ct-sagittal", "ct-coronal"}, SyncModes: []domain.SyncMode{domain.SyncWindowLevel}},
		},
		Priority: 10,
	},
	{
		ID:   "ct-abdomen-pelvis",
		Name: "CT Abdomen/Pelvis MPR",
		MatchingRules: domain.MatchingRules{
			StudyDescription: []string{"abdomen", "pelvis", "abd"},
			Modalities:       []string{"CT"},
			BodyPart:         []string{"abdomen", "pelvis"},
		},
		Layout: domain.Layout{Rows: 1, Cols: 3},
		Viewports: []domain.ViewportConfig{
			{ViewportID: "abd-axial", Orientation: domain.OrientationAxial, ToolGroupID: "mpr"},
			{ViewportID: "abd-coronal", Orientation: domain.OrientationCoronal, ToolGroupID: "mpr"},
			{ViewportID: "abd-sagittal", Orientation: domain.OrientationSagittal, ToolGroupID: "mpr"},
		},
		SyncGroups: []domain.SyncGroupSpec{
			{GroupID: "abd-voi", ViewportIDs: []string{"abd-axial", "abd-coronal", "abd-sagittal"}, SyncModes: []domain.SyncMode{domain.SyncWindowLevel}},
		},
		Priority: 5,
	},
	{
		ID:   "mr-brain-4view",
		Name: "MR Brain 2x2",
		MatchingRules: domain.MatchingRules{
			StudyDescription: []string{"brain", "head"},
			Modalities:       []string{"MR"},
			BodyPart:         []string{"brain", "head"},
			NumberOfSeries:   &domain.SeriesRange{Min: domain.IntPtr(2), Max: domain.IntPtr(8)},
		},
		Layout: domain.Layout{Rows: 2, Cols: 2},
		Viewports: []domain.ViewportConfig{
			{ViewportID: "mr-1", SeriesMatchingRules: &domain.SeriesMatchingRules{SeriesIndex: domain.IntPtr(0)}, ToolGroupID: "stack"},
			{ViewportID: "mr-2", SeriesMatchingRules: &domain.SeriesMatchingRules{SeriesIndex: domain.IntPtr(1)}, ToolGroupID: "stack"},
			{ViewportID: "mr-3", SeriesMatchingRules: &domain.SeriesMatchingRules{SeriesIndex: domain.IntPtr(2)}, ToolGroupID: "stack"},
			{ViewportID: "mr-4", SeriesMatchingRules: &domain.SeriesMatchingRules{SeriesIndex: domain.IntPtr(3)}, ToolGroupID: "stack"},
		},
		SyncGroups: []domain.SyncGroupSpec{
			{GroupID: "mr-stack", ViewportIDs: []string{"mr-1", "mr-2", "mr-3", "mr-4"}, SyncModes: []domain.SyncMode{domain.SyncScroll, domain.SyncWindowLevel}},
		},
		Priority: 10,
	},
	{
		ID:   "mr-spine",
		Name: "MR Spine",
		MatchingRules: domain.MatchingRules{
			StudyDescription: []string{"spine", "lumbar", "cervical", "thoracic"},
			Modalities:       []string{"MR"},
			BodyPart:         []string{"spine", "lspine", "cspine", "tspine"},
			NumberOfSeries:   &domain.SeriesRange{Min: domain.IntPtr(2), Max: domain.IntPtr(10)},
		},
		Layout: domain.Layout{Rows: 1, Cols: 2},
		Viewports: []domain.ViewportConfig{
			{ViewportID: "spine-sag", Orientation: domain.OrientationSagittal, SeriesMatchingRules: &domain.SeriesMatchingRules{SeriesDescription: []string{"sag"}}},
			{ViewportID: "spine-ax", Orientation: domain.OrientationAxial, SeriesMatchingRules: &domain.SeriesMatchingRules{SeriesDescription: []string{"ax", "tra"}}},
		},
		SyncGroups: []domain.SyncGroupSpec{
			{GroupID: "spine-camera", ViewportIDs: []string{"spine-sag", "spine-ax"}, SyncModes: []domain.SyncMode{domain.SyncZoom, domain.SyncWindowLevel}},
		},
		Priority: 5,
	},
	{
		ID:   "cr-chest-2view",
		Name: "Chest Radiograph PA/LAT",
		MatchingRules: domain.MatchingRules{
			StudyDescription: []string{"chest", "thorax"},
			Modalities:       []string{"CR", "DX"},
			BodyPart:         []string{"chest"},
			NumberOfSeries:   &domain.SeriesRange{Min: domain.IntPtr(1), Max: domain.IntPtr(2)},
		},
		Layout: domain.Layout{Rows: 1, Cols: 2},
		Viewports: []domain.ViewportConfig{
			{ViewportID: "cr-pa", SeriesMatchingRules: &domain.SeriesMatchingRules{SeriesIndex: domain.IntPtr(0)}},
			{ViewportID: "cr-lat", SeriesMatchingRules: &domain.SeriesMatchingRules{SeriesIndex: domain.IntPtr(1)}},
		},
		SyncGroups: []domain.SyncGroupSpec{
			{GroupID: "cr-voi", ViewportIDs: []string{"cr-pa", "cr-lat"}, SyncModes: []domain.SyncMode{domain.SyncWindowLevel}},
		},
		Priority: 5,
	},
	{
		ID:        FallbackID,
		Name:      "Single viewport",
		Layout:    domain.Layout{Rows: 1, Cols: 1},
		Viewports: []domain.ViewportConfig{{ViewportID: "viewport-1"}},
		Priority:  FallbackPriority,
	},
}

// Builtins returns copies of the built-in protocols in registration order. The universal
// fallback is always last.
func Builtins() []domain.Definition {
	out := make([]domain.Definition, 0, len(builtins))
	for _, def := range builtins {
		out = append(out, def.Clone())
	}
	return out
}

// Fallback returns a copy of the universal fallback protocol.
func Fallback() domain.Definition {
	return builtins[len(builtins)-1].Clone()
}
