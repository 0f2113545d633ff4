package protocol

import "strings"

// SeriesRef identifies a series available for display.
type SeriesRef struct {
	SeriesID    string `json:"seriesId" yaml:"seriesId"`
	Modality    string `json:"modality,omitempty" yaml:"modality,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// SeriesSelection is the set of series a surface is populated from, with optional explicit
// viewport assignments keyed by viewport id.
type SeriesSelection struct {
	Series      []SeriesRef       `json:"series" yaml:"series"`
	Assignments map[string]string `json:"assignments,omitempty" yaml:"assignments,omitempty"`
}

// ResolveSeries picks the series that feeds a viewport. An explicit assignment wins, then the
// viewport's series matching rules, then the first series of the selection.
func (s SeriesSelection) ResolveSeries(vp ViewportConfig) (SeriesRef, bool) {
	if id, ok := s.Assignments[vp.ViewportID]; ok {
		id = strings.TrimSpace(id)
		for _, ref := range s.Series {
			if ref.SeriesID == id {
				return ref, true
			}
		}
		if id != "" {
			return SeriesRef{SeriesID: id}, true
		}
	}
	if rules := vp.SeriesMatchingRules; rules != nil {
		return s.matchRules(*rules)
	}
	if len(s.Series) == 0 {
		return SeriesRef{}, false
	}
	return s.Series[0], true
}

func (s SeriesSelection) matchRules(rules SeriesMatchingRules) (SeriesRef, bool) {
	candidates := make([]SeriesRef, 0, len(s.Series))
	for _, ref := range s.Series {
		if rules.Modality != "" && !strings.EqualFold(strings.TrimSpace(ref.Modality), strings.TrimSpace(rules.Modality)) {
			continue
		}
		if len(nonBlank(rules.SeriesDescription)) > 0 && !containsAnyFold(ref.Description, rules.SeriesDescription) {
			continue
		}
		candidates = append(candidates, ref)
	}
	index := 0
	if rules.SeriesIndex != nil {
		index = *rules.SeriesIndex
	}
	if index < 0 || index >= len(candidates) {
		return SeriesRef{}, false
	}
	return candidates[index], true
}

func containsAnyFold(haystack string, keywords []string) bool {
	lower := strings.ToLower(haystack)
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
