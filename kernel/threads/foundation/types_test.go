package foundation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriority_Urgency(t *testing.T) {
	assert.True(t, Priority(1).MoreUrgent(10))
	assert.False(t, Priority(10).MoreUrgent(1))
	assert.True(t, Priority(5).AtLeastAsUrgent(5))
	assert.Equal(t, Priority(-3), MostUrgent(-3, 4))
	assert.Equal(t, Priority(4), LeastUrgent(-3, 4))
	assert.True(t, Priority(-1).Cooperative())
	assert.Equal(t, "coop(-2)", Priority(-2).String())
}

func TestBands_Layout(t *testing.T) {
	b := Bands{NumCoop: 4, NumPreempt: 8, NumMetaIRQ: 2}
	require.NoError(t, b.Validate())

	assert.Equal(t, Priority(-4), b.Highest())
	assert.Equal(t, Priority(8), b.Lowest())
	assert.Equal(t, 13, b.Levels())
	assert.Equal(t, 0, b.Level(-4))
	assert.Equal(t, 12, b.Level(8))
	assert.Equal(t, Priority(-4), b.Coop(0))
	assert.Equal(t, Priority(-1), b.Coop(3))

	assert.True(t, b.IsMetaIRQ(-4))
	assert.True(t, b.IsMetaIRQ(-3))
	assert.False(t, b.IsMetaIRQ(-2))

	assert.True(t, b.ValidApplication(7))
	assert.False(t, b.ValidApplication(8), "idle priority is reserved")
	assert.False(t, b.ValidApplication(-5))
}

func TestBands_Validate(t *testing.T) {
	assert.ErrorIs(t, Bands{}.Validate(), ErrInvalidArgument)
	assert.ErrorIs(t, Bands{NumCoop: 1, NumPreempt: 1, NumMetaIRQ: 2}.Validate(), ErrInvalidArgument)
	assert.NoError(t, DefaultBands().Validate())
}

func TestThreadState_String(t *testing.T) {
	assert.Equal(t, "running", ThreadState(0).String())
	s := StatePending | StateSuspended
	assert.Equal(t, "pending|suspended", s.String())
	assert.True(t, s.Any(PreventsRunning))
	assert.False(t, s.Has(StateReady))
}

func TestTimeout(t *testing.T) {
	assert.True(t, Forever.IsForever())
	assert.True(t, NoWait.IsNoWait())
	assert.True(t, Ticks(-4).IsNoWait())
	assert.Equal(t, int64(7), Ticks(7).TickCount())
	assert.Equal(t, "7 ticks", Ticks(7).String())
}

func TestErrorTaxonomy(t *testing.T) {
	assert.True(t, errors.Is(ErrInvalidPartition, ErrInvalidArgument))
	assert.True(t, errors.Is(ErrInvalidContext, ErrInvalidArgument))
	assert.True(t, errors.Is(ErrStaleHandle, ErrNotFound))
	assert.True(t, errors.Is(ErrLockOrder, ErrPermissionDenied))
}

func TestOops(t *testing.T) {
	defer func() {
		r := recover()
		require.NotNil(t, r)
		ie, ok := r.(*InvariantError)
		require.True(t, ok)
		assert.Contains(t, ie.Error(), "lock count -1")
	}()
	Oops("lock count %d", -1)
}
