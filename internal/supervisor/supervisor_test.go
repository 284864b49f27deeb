package supervisor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/sigbridge/internal/journal"
)

// fastRestart keeps test retries quick while still exercising the policy.
func fastRestart(maxFailures int) RestartConfig {
	return RestartConfig{
		MaxConsecutiveFailures: maxFailures,
		BaseDelay:              10 * time.Millisecond,
		MaxDelay:               50 * time.Millisecond,
		RateEvery:              time.Millisecond,
		RateBurst:              100,
	}
}

func TestNewSupervisorStartsNotStarted(t *testing.T) {
	s := New(Config{WorkerPath: "/does/not/matter"}, nil)
	assert.Equal(t, StateNotStarted, s.State())
	assert.Nil(t, s.Conn())
	assert.Empty(t, s.ChannelID())
	assert.Zero(t, s.Restarts())
}

func TestStartMissingWorkerBinaryFaults(t *testing.T) {
	s := New(Config{
		WorkerPath:     filepath.Join(t.TempDir(), "no-such-worker"),
		ConnectTimeout: 200 * time.Millisecond,
		Restart:        fastRestart(2),
	}, nil)

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Nil(t, s.Conn())

	// Background retries keep failing the same way until the supervisor
	// gives up and reports degraded.
	assert.Eventually(t, func() bool {
		return s.State() == StateDegraded
	}, 5*time.Second, 20*time.Millisecond)
	assert.Nil(t, s.Conn())
}

func TestWorkerThatNeverConnectsFaults(t *testing.T) {
	// /bin/true exits immediately without ever dialing the channel.
	s := New(Config{
		WorkerPath:     "/bin/true",
		ConnectTimeout: 150 * time.Millisecond,
		Restart:        fastRestart(1),
	}, nil)

	err := s.Start(context.Background())
	require.Error(t, err)

	assert.Eventually(t, func() bool {
		return s.State() == StateDegraded
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDegradedIsJournaled(t *testing.T) {
	ctx := context.Background()
	jnl, err := journal.Open(ctx, filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer jnl.Close()

	s := New(Config{
		WorkerPath:     filepath.Join(t.TempDir(), "missing"),
		ConnectTimeout: 100 * time.Millisecond,
		Restart:        fastRestart(1),
	}, jnl)

	_ = s.Start(ctx)
	require.Eventually(t, func() bool {
		return s.State() == StateDegraded
	}, 5*time.Second, 20*time.Millisecond)

	n, err := jnl.CountByKind(ctx, journal.KindDegraded)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	crashes, err := jnl.CountByKind(ctx, journal.KindCrash)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, crashes, 2)
}

func TestShutdownBeforeStart(t *testing.T) {
	s := New(Config{WorkerPath: "/bin/true"}, nil)
	require.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, StateTerminated, s.State())

	err := s.Start(context.Background())
	assert.Error(t, err, "a terminated supervisor stays terminated")
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	s := New(Config{
		WorkerPath: "/bin/true",
		Restart: RestartConfig{
			MaxConsecutiveFailures: 10,
			BaseDelay:              100 * time.Millisecond,
			MaxDelay:               500 * time.Millisecond,
		},
	}, nil)

	assert.Equal(t, 100*time.Millisecond, s.backoff(1))
	assert.Equal(t, 200*time.Millisecond, s.backoff(2))
	assert.Equal(t, 400*time.Millisecond, s.backoff(3))
	assert.Equal(t, 500*time.Millisecond, s.backoff(4))
	assert.Equal(t, 500*time.Millisecond, s.backoff(9))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{WorkerPath: "/bin/true"}
	cfg.applyDefaults()

	assert.Equal(t, DefaultConnectTimeout, cfg.ConnectTimeout)
	assert.Equal(t, 5, cfg.Restart.MaxConsecutiveFailures)
	assert.Equal(t, 250*time.Millisecond, cfg.Restart.BaseDelay)
	assert.Equal(t, 5*time.Second, cfg.Restart.MaxDelay)
}
