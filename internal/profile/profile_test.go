package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetCreatesNewbee(t *testing.T) {
	s := NewService(NewMemoryStore())

	p, err := s.Get(t.Context(), "usr_1")
	require.NoError(t, err)
	assert.Equal(t, RankNewbee, p.Rank)
	assert.Equal(t, int64(0), p.Reputation)

	// Second fetch returns the same profile.
	again, err := s.Get(t.Context(), "usr_1")
	require.NoError(t, err)
	assert.Equal(t, p.CreatedAt, again.CreatedAt)
}

func TestUpdatePartialFields(t *testing.T) {
	s := NewService(NewMemoryStore())

	bio := "beekeeper and sourdough enthusiast"
	p, err := s.Update(t.Context(), "usr_1", UpdateRequest{Bio: &bio})
	require.NoError(t, err)
	assert.Equal(t, bio, p.Bio)

	loc := "north end"
	p, err = s.Update(t.Context(), "usr_1", UpdateRequest{Location: &loc})
	require.NoError(t, err)
	assert.Equal(t, bio, p.Bio, "untouched field survives")
	assert.Equal(t, loc, p.Location)
}

func TestRankFor(t *testing.T) {
	assert.Equal(t, RankNewbee, RankFor(0))
	assert.Equal(t, RankNewbee, RankFor(9))
	assert.Equal(t, RankWorker, RankFor(10))
	assert.Equal(t, RankDrone, RankFor(50))
	assert.Equal(t, RankQueen, RankFor(150))
}

func TestAddReputationPromotes(t *testing.T) {
	s := NewService(NewMemoryStore())

	p, err := s.AddReputation(t.Context(), "usr_1", 12)
	require.NoError(t, err)
	assert.Equal(t, int64(12), p.Reputation)
	assert.Equal(t, RankWorker, p.Rank)

	p, err = s.AddReputation(t.Context(), "usr_1", 200)
	require.NoError(t, err)
	assert.Equal(t, RankQueen, p.Rank)
}
