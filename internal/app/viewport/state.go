package viewport

import (
	"github.com/coachpo/mprview/internal/app/volume"
)

// State is the lifecycle state of a viewing surface.
type State string

const (
	// StateUninitialized means no engine is bound to the surface.
	StateUninitialized State = "UNINITIALIZED"
	// StateInitializing means the first configuration is in flight.
	StateInitializing State = "INITIALIZING"
	// StateReady means the surface shows its configured protocol.
	StateReady State = "READY"
	// StateReconfiguring means a configured surface is being replaced by a new configuration.
	StateReconfiguring State = "RECONFIGURING"
	// StateTornDown is reported while a surface is destroyed. Afterwards it reads as uninitialized.
	StateTornDown State = "TORN_DOWN"
)

// ViewportState is the runtime state of one viewport of a surface.
type ViewportState struct {
	SurfaceID       string           `json:"surfaceId"`
	ViewportID      string           `json:"viewportId"`
	ElementID       string           `json:"elementId,omitempty"`
	Orientation     string           `json:"orientation,omitempty"`
	SeriesID        string           `json:"seriesId,omitempty"`
	VolumeID        string           `json:"volumeId,omitempty"`
	LoadState       volume.LoadState `json:"loadState"`
	PercentComplete int              `json:"percentComplete"`
	Error           string           `json:"error,omitempty"`
	Err             error            `json:"-"`
}

// SurfaceSnapshot is a point-in-time copy of a surface.
type SurfaceSnapshot struct {
	SurfaceID  string          `json:"surfaceId"`
	State      State           `json:"state"`
	ProtocolID string          `json:"protocolId,omitempty"`
	EngineID   string          `json:"engineId,omitempty"`
	Generation uint64          `json:"generation"`
	Viewports  []ViewportState `json:"viewports"`
	SyncGroups []string        `json:"syncGroups"`
}

// Viewport returns the runtime state of a viewport.
func (s SurfaceSnapshot) Viewport(id string) (ViewportState, bool) {
	for _, vp := range s.Viewports {
		if vp.ViewportID == id {
			return vp, true
		}
	}
	return ViewportState{}, false
}

// ReadyCount returns the number of viewports showing a volume.
func (s SurfaceSnapshot) ReadyCount() int {
	n := 0
	for _, vp := range s.Viewports {
		if vp.LoadState == volume.StateReady {
			n++
		}
	}
	return n
}

// ProgressEvent reports a load milestone of a surface.
type ProgressEvent struct {
	SurfaceID       string       `json:"surfaceId"`
	PercentComplete int          `json:"percentComplete"`
	Stage           volume.Stage `json:"stage"`
	SeriesID        string       `json:"seriesId"`
	VolumeID        string       `json:"volumeId"`
	ViewportIDs     []string     `json:"viewportIds"`
}

// Transition is a surface state change.
type Transition struct {
	SurfaceID string `json:"surfaceId"`
	From      State  `json:"from"`
	To        State  `json:"to"`
}

// StateListener observes surface transitions. Listeners run synchronously and must not call back
// into the manager.
type StateListener func(Transition)

// SyncGroupKey is the coordinator id of a protocol sync group on a surface.
func SyncGroupKey(surfaceID, groupID string) string {
	return surfaceID + "/" + groupID
}
