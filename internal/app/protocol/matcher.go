package protocol

import (
	"sort"
	"strings"

	"github.com/coachpo/mprview/errs"
	domain "github.com/coachpo/mprview/internal/domain/protocol"
)

const matcherComponent = "protocol-matcher"

// Scoring weights. Each category contributes at most once per protocol.
const (
	WeightStudyDescription = 50
	WeightModality         = 30
	WeightBodyPart         = 20
	WeightSeriesCount      = 10
)

// MatchResult is the protocol chosen for a study.
type MatchResult struct {
	ProtocolID string `json:"protocolId"`
	Score      int    `json:"score"`
}

// Candidate is one ranked entry of a match, used for diagnostics.
type Candidate struct {
	ProtocolID string `json:"protocolId"`
	Name       string `json:"name"`
	Score      int    `json:"score"`
	Priority   int    `json:"priority"`
	Position   int    `json:"position"`
	RuleLess   bool   `json:"ruleLess"`
}

// Score computes the additive score of a protocol against study metadata.
func Score(def domain.Definition, meta domain.StudyMetadata) int {
	rules := def.MatchingRules
	score := 0
	if anySubstringFold(meta.StudyDescription, rules.StudyDescription) {
		score += WeightStudyDescription
	}
	if intersectsFold(meta.Modalities, rules.Modalities) {
		score += WeightModality
	}
	if anySubstringFold(meta.BodyPart, rules.BodyPart) {
		score += WeightBodyPart
	}
	if rules.NumberOfSeries != nil && rules.NumberOfSeries.Contains(meta.NumberOfSeries) {
		score += WeightSeriesCount
	}
	return score
}

// Match picks the best protocol of the snapshot for the metadata. It fails with a configuration
// error only when the snapshot is empty.
func Match(snapshot Snapshot, meta domain.StudyMetadata) (MatchResult, error) {
	ranked, err := Rank(snapshot, meta)
	if err != nil {
		return MatchResult{}, err
	}
	best := ranked[0]
	return MatchResult{ProtocolID: best.ProtocolID, Score: best.Score}, nil
}

// Rank returns the eligible candidates best first.
//
// Protocols scoring above zero are eligible. When none do, the rule-less protocols are, and when
// there are none of those either every protocol is. Candidates order by score, then priority,
// then registration position.
func Rank(snapshot Snapshot, meta domain.StudyMetadata) ([]Candidate, error) {
	if snapshot.Len() == 0 {
		return nil, errs.New(matcherComponent, errs.CodeConfiguration, errs.WithMessage("protocol registry is empty"))
	}
	all := make([]Candidate, 0, snapshot.Len())
	for i, def := range snapshot.entries {
		all = append(all, Candidate{
			ProtocolID: def.ID,
			Name:       def.Name,
			Score:      Score(def, meta),
			Priority:   def.Priority,
			Position:   i,
			RuleLess:   def.MatchingRules.IsEmpty(),
		})
	}

	eligible := filterCandidates(all, func(c Candidate) bool { return c.Score > 0 })
	if len(eligible) == 0 {
		eligible = filterCandidates(all, func(c Candidate) bool { return c.RuleLess })
	}
	if len(eligible) == 0 {
		eligible = all
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.Position < b.Position
	})
	return eligible, nil
}

// Matcher binds matching to a live registry.
type Matcher struct {
	registry *Registry
}

// NewMatcher creates a matcher over the registry.
func NewMatcher(registry *Registry) *Matcher {
	return &Matcher{registry: registry}
}

// Match snapshots the registry and matches against the snapshot.
func (m *Matcher) Match(meta domain.StudyMetadata) (MatchResult, error) {
	if m == nil || m.registry == nil {
		return MatchResult{}, errs.New(matcherComponent, errs.CodeConfiguration, errs.WithMessage("registry not configured"))
	}
	return Match(m.registry.Snapshot(), meta)
}

func filterCandidates(in []Candidate, keep func(Candidate) bool) []Candidate {
	out := make([]Candidate, 0, len(in))
	for _, c := range in {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

func anySubstringFold(value string, keywords []string) bool {
	haystack := strings.ToLower(value)
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}

func intersectsFold(have, want []string) bool {
	for _, w := range want {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		for _, h := range have {
			if strings.EqualFold(strings.TrimSpace(h), w) {
				return true
			}
		}
	}
	return false
}
