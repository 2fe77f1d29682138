package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name string
		from Stage
		to   Stage
		ok   bool
	}{
		{"forward one step", StageIntake, StageRapport, true},
		{"forward several steps", StageIntake, StageClosed, true},
		{"same stage", StageRapport, StageRapport, false},
		{"backward", StageEstablished, StageRapport, false},
		{"unknown source", Stage("lurking"), StageRapport, false},
		{"unknown target", StageIntake, Stage("lurking"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidateTrustScore(t *testing.T) {
	require.NoError(t, ValidateTrustScore(0))
	require.NoError(t, ValidateTrustScore(10))
	require.NoError(t, ValidateTrustScore(7.5))
	assert.Error(t, ValidateTrustScore(-0.1))
	assert.Error(t, ValidateTrustScore(11))
}

func TestStageProgressionMatchesSchema(t *testing.T) {
	// The CHECK constraint on conversation_state enumerates the same stages
	// in the same order; drift here silently breaks stage updates.
	want := []Stage{StageIntake, StageRapport, StageEstablished, StageDormant, StageClosed}
	assert.Equal(t, want, stageOrder)
}
