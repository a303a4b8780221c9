package sweep

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRetentioner struct {
	calls int
	days  int
}

func (f *fakeRetentioner) RunRetention(ctx context.Context, retentionDays int) (int64, error) {
	f.calls++
	f.days = retentionDays
	return 3, nil
}

func TestRegisterValidSpec(t *testing.T) {
	s := NewSweeper(&fakeRetentioner{}, 30)
	require.NoError(t, s.Register("0 3 * * *"))
	assert.Equal(t, 1, s.Entries())
}

func TestRegisterInvalidSpec(t *testing.T) {
	s := NewSweeper(&fakeRetentioner{}, 30)
	err := s.Register("not a cron spec")
	require.Error(t, err)
	assert.Equal(t, 0, s.Entries())
}

func TestStartStop(t *testing.T) {
	s := NewSweeper(&fakeRetentioner{}, 30)
	require.NoError(t, s.Register("* * * * *"))
	s.Start()
	s.Stop()
}
