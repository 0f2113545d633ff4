package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/mprview/errs"
	domain "github.com/coachpo/mprview/internal/domain/protocol"
)

func builtinSnapshot(t *testing.T) Snapshot {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Init())
	return reg.Snapshot()
}

func TestMatchCTChest(t *testing.T) {
	result, err := Match(builtinSnapshot(t), domain.StudyMetadata{
		StudyDescription: "CT chest with contrast",
		Modalities:       []string{"CT"},
		NumberOfSeries:   1,
	})
	require.NoError(t, err)
	require.Equal(t, "ct-chest-3view", result.ProtocolID)
	require.Equal(t, 80, result.Score)
}

func TestMatchBrainMR(t *testing.T) {
	result, err := Match(builtinSnapshot(t), domain.StudyMetadata{
		StudyDescription: "brain MRI",
		Modalities:       []string{"MR"},
		NumberOfSeries:   4,
	})
	require.NoError(t, err)
	require.Equal(t, "mr-brain-4view", result.ProtocolID)
	require.Equal(t, 90, result.Score)
}

func TestMatchFallsBackToDefault(t *testing.T) {
	result, err := Match(builtinSnapshot(t), domain.StudyMetadata{
		StudyDescription: "ultrasound thyroid",
		Modalities:       []string{"US"},
		BodyPart:         "neck",
	})
	require.NoError(t, err)
	require.Equal(t, FallbackID, result.ProtocolID)
	require.Zero(t, result.Score)
}

func TestMatchNeverEmptyForNonEmptyRegistry(t *testing.T) {
	snap := builtinSnapshot(t)
	inputs := []domain.StudyMetadata{
		{},
		{StudyDescription: "   "},
		{Modalities: []string{"", "PT"}},
		{NumberOfSeries: -3},
		{StudyDescription: "CHEST", Modalities: []string{"ct"}, BodyPart: "THORAX", NumberOfSeries: 200},
	}
	for _, meta := range inputs {
		result, err := Match(snap, meta)
		require.NoError(t, err)
		require.NotEmpty(t, result.ProtocolID)
	}
}

func TestMatchEmptyRegistryIsConfigurationError(t *testing.T) {
	_, err := Match(NewRegistry().Snapshot(), domain.StudyMetadata{StudyDescription: "chest"})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeConfiguration))
}

func TestMatchOnlyRuledProtocolsWithZeroScore(t *testing.T) {
	ruled := singleViewport("ruled", 0)
	ruled.MatchingRules.Modalities = []string{"CT"}
	other := singleViewport("other", 5)
	other.MatchingRules.Modalities = []string{"MR"}

	result, err := Match(NewSnapshot(ruled, other), domain.StudyMetadata{Modalities: []string{"US"}})
	require.NoError(t, err)
	require.Equal(t, "other", result.ProtocolID, "higher priority wins when nothing is eligible")
}

func TestMatchTieBreaksByPriorityThenRegistration(t *testing.T) {
	newDef := func(id string, priority int) domain.Definition {
		def := singleViewport(id, priority)
		def.MatchingRules.Modalities = []string{"CT"}
		return def
	}
	meta := domain.StudyMetadata{Modalities: []string{"CT"}}

	result, err := Match(NewSnapshot(newDef("low", 1), newDef("high", 9)), meta)
	require.NoError(t, err)
	require.Equal(t, "high", result.ProtocolID)

	result, err = Match(NewSnapshot(newDef("first", 3), newDef("second", 3)), meta)
	require.NoError(t, err)
	require.Equal(t, "first", result.ProtocolID)
}

func TestMatchIsDeterministic(t *testing.T) {
	snap := builtinSnapshot(t)
	meta := domain.StudyMetadata{StudyDescription: "chest", Modalities: []string{"CT", "CR"}, BodyPart: "chest", NumberOfSeries: 2}
	first, err := Match(snap, meta)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		next, err := Match(snap, meta)
		require.NoError(t, err)
		require.Equal(t, first, next)
	}
}

func TestScoreCapsEachCategory(t *testing.T) {
	def := singleViewport("multi", 0)
	def.MatchingRules = domain.MatchingRules{
		StudyDescription: []string{"chest", "contrast", ""},
		Modalities:       []string{"CT", "PT"},
		BodyPart:         []string{"chest", "thorax"},
		NumberOfSeries:   &domain.SeriesRange{Max: domain.IntPtr(3)},
	}
	meta := domain.StudyMetadata{
		StudyDescription: "CT chest with contrast",
		Modalities:       []string{"CT", "PT"},
		BodyPart:         "CHEST THORAX",
		NumberOfSeries:   3,
	}
	require.Equal(t, 110, Score(def, meta))
}

func TestMatcherUsesLiveRegistry(t *testing.T) {
	reg := NewRegistry()
	matcher := NewMatcher(reg)
	_, err := matcher.Match(domain.StudyMetadata{})
	require.True(t, errs.Is(err, errs.CodeConfiguration))

	require.NoError(t, reg.Init())
	result, err := matcher.Match(domain.StudyMetadata{})
	require.NoError(t, err)
	require.Equal(t, FallbackID, result.ProtocolID)
}

func TestRankListsEligibleCandidatesBestFirst(t *testing.T) {
	ranked, err := Rank(builtinSnapshot(t), domain.StudyMetadata{StudyDescription: "chest", Modalities: []string{"CT"}})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(ranked), 2)
	require.Equal(t, "ct-chest-3view", ranked[0].ProtocolID)
	for _, c := range ranked {
		require.Positive(t, c.Score)
	}
}
