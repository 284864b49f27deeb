package e2e

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/sigbridge/internal/channel"
	"github.com/mattjoyce/sigbridge/internal/client"
	"github.com/mattjoyce/sigbridge/internal/envelope"
	"github.com/mattjoyce/sigbridge/internal/journal"
	"github.com/mattjoyce/sigbridge/internal/supervisor"
)

func startBridge(t *testing.T, jnl *journal.Journal) (*supervisor.Supervisor, *client.Client) {
	t.Helper()
	skipIfNoWorker(t)

	sup := supervisor.New(supervisor.Config{
		WorkerPath:     workerBin,
		ConnectTimeout: 3 * time.Second,
		Restart: supervisor.RestartConfig{
			MaxConsecutiveFailures: 5,
			BaseDelay:              20 * time.Millisecond,
			MaxDelay:               200 * time.Millisecond,
			RateEvery:              time.Millisecond,
			RateBurst:              100,
		},
	}, jnl)
	require.NoError(t, sup.Start(context.Background()))
	t.Cleanup(func() { _ = sup.Shutdown(context.Background()) })

	cli := client.New(sup, envelope.NewDefaultRegistry())
	return sup, cli
}

func TestParseRoundTrip(t *testing.T) {
	_, cli := startBridge(t, nil)

	resp := cli.RequestMethodSignature("operation Foo (a : Int) : Unit { }")
	require.NotNil(t, resp)
	assert.Equal(t, "Foo", resp.Name)
	assert.Equal(t, []string{"a"}, resp.ParameterNames)
	assert.Empty(t, resp.TypeParameterNames)
	assert.False(t, resp.HasReturnType)
}

func TestRejectedSignatureKeepsChannelUsable(t *testing.T) {
	_, cli := startBridge(t, nil)

	assert.Nil(t, cli.RequestMethodSignature("definitely not a signature"))

	resp := cli.RequestMethodSignature("action Add(a : Integer, b : Integer) : Integer")
	require.NotNil(t, resp)
	assert.Equal(t, "Add", resp.Name)
	assert.Equal(t, []string{"a", "b"}, resp.ParameterNames)
	assert.True(t, resp.HasReturnType)
}

func TestSequentialRequests(t *testing.T) {
	_, cli := startBridge(t, nil)

	for _, sig := range []string{
		"action First()",
		"action Second(x : Text)",
		"action Third<T>(item : T) : T",
	} {
		resp := cli.RequestMethodSignature(sig)
		require.NotNil(t, resp, "signature %q", sig)
	}
}

func TestWorkerKilledOnceRestartsOnce(t *testing.T) {
	ctx := context.Background()
	jnl, err := journal.Open(ctx, filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer jnl.Close()

	sup, cli := startBridge(t, jnl)
	firstChannel := sup.ChannelID()
	require.NotEmpty(t, firstChannel)

	// Kill the worker out from under the supervisor.
	conn := sup.Conn()
	require.NotNil(t, conn)
	killCurrentWorker(t, sup)

	// The supervisor relaunches with a brand-new channel identifier.
	require.Eventually(t, func() bool {
		return sup.State() == supervisor.StateReady && sup.ChannelID() != firstChannel
	}, 10*time.Second, 50*time.Millisecond)

	assert.Equal(t, 1, sup.Restarts())

	// Scenario C: the next request succeeds against the relaunched worker.
	resp := cli.RequestMethodSignature("action Revived()")
	require.NotNil(t, resp)
	assert.Equal(t, "Revived", resp.Name)

	crashes, err := jnl.CountByKind(ctx, journal.KindCrash)
	require.NoError(t, err)
	assert.Equal(t, 1, crashes)
}

func TestKillDuringShutdownDoesNotRestart(t *testing.T) {
	ctx := context.Background()
	jnl, err := journal.Open(ctx, filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer jnl.Close()

	sup, _ := startBridge(t, jnl)
	require.NoError(t, sup.Shutdown(ctx))
	assert.Equal(t, supervisor.StateTerminated, sup.State())

	// Give any stray restart machinery time to misbehave before asserting.
	time.Sleep(300 * time.Millisecond)

	restarts, err := jnl.CountByKind(ctx, journal.KindRestart)
	require.NoError(t, err)
	assert.Zero(t, restarts)
	assert.Equal(t, supervisor.StateTerminated, sup.State())
}

func TestRequestDuringCrashWindowReturnsNil(t *testing.T) {
	sup, cli := startBridge(t, nil)

	killCurrentWorker(t, sup)

	// Depending on timing the request lands before, during, or after the
	// relaunch; the contract is it either answers nil or succeeds, and never
	// hangs or panics.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = cli.RequestMethodSignature("action RaceWindow()")
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("request hung across worker crash")
	}
}

func TestWorkerBadArgumentCount(t *testing.T) {
	skipIfNoWorker(t)

	err := exec.Command(workerBin).Run()
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.NotZero(t, exitErr.ExitCode())
}

func TestWorkerConnectTimeout(t *testing.T) {
	skipIfNoWorker(t)

	cmd := exec.Command(workerBin, channel.NewIdentifier())
	cmd.Env = append(cmd.Environ(), "SIGBRIDGE_CONNECT_TIMEOUT_MS=200")

	start := time.Now()
	err := cmd.Run()
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.NotZero(t, exitErr.ExitCode())
	assert.Less(t, time.Since(start), 5*time.Second)
}

// killCurrentWorker SIGKILLs the worker the supervisor currently owns.
func killCurrentWorker(t *testing.T, sup *supervisor.Supervisor) {
	t.Helper()
	pid := sup.WorkerPID()
	require.NotZero(t, pid, "no worker process to kill")
	proc, err := os.FindProcess(pid)
	require.NoError(t, err)
	require.NoError(t, proc.Kill())
}
