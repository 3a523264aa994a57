package color

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/snapguard/snapguard/pkg/model"
)

func TestDisabled_PlainText(t *testing.T) {
	Disable()
	assert.Equal(t, "ok", Success("ok"))
	assert.Equal(t, "suspected", State(model.StateSuspected))
	assert.Equal(t, "write_failed", Outcome(model.OutcomeWriteFailed))
}

func TestEnabled_WrapsCodes(t *testing.T) {
	Enable()
	defer Disable()

	assert.Equal(t, Green+"ok"+Reset, Success("ok"))
	assert.Equal(t, Red+"bad 3"+Reset, Errorf("bad %d", 3))
	assert.Equal(t, Yellow+"suspected"+Reset, State(model.StateSuspected))
	assert.Equal(t, Bold+Red+"recovering"+Reset, State(model.StateRecovering))
	assert.Equal(t, Yellow+"no_snapshot_available"+Reset, Outcome(model.OutcomeNoSnapshotAvailable))
}
