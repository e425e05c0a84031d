package fetchengine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oetiker/logfetcher/internal/config"
	"github.com/oetiker/logfetcher/internal/fetchengine"
)

func testHost() config.HostConfig {
	return config.HostConfig{
		Name:       "web1",
		SSHConnect: []string{"-i", "/nonexistent", "nobody@127.0.0.1"},
		LogFiles: []config.LogFileSpec{
			{GlobPattern: "/var/log/app/*.log", DestinationFile: "/tmp/archive/${RXMATCH_1}.gz"},
		},
	}
}

func testGeneral() config.GeneralConfig {
	return config.GeneralConfig{
		LogCheckInterval:  10,
		StatusLogInterval: 60,
		Timeout:           1,
		TransferTaskLimit: 5,
	}
}

func TestTickCreatesControlChannelOnFirstCall(t *testing.T) {
	e := fetchengine.New(testHost(), testGeneral())

	// "ssh" to an unreachable host still spawns a local subprocess
	// successfully (sshproc.New never fails to Start a real binary), so
	// the first Tick succeeds in establishing a channel even though the
	// remote connection itself will fail shortly after.
	err := e.Tick()
	require.NoError(t, err)

	e.Stop()
}

func TestFlushStatsResetsCounters(t *testing.T) {
	e := fetchengine.New(testHost(), testGeneral())

	first := e.FlushStats()
	assert.Equal(t, fetchengine.Stats{}, first)

	second := e.Stats()
	assert.Equal(t, fetchengine.Stats{}, second)
}

func TestNameReturnsHostName(t *testing.T) {
	e := fetchengine.New(testHost(), testGeneral())
	assert.Equal(t, "web1", e.Name())
}

func TestStopIsSafeBeforeFirstTick(t *testing.T) {
	e := fetchengine.New(testHost(), testGeneral())
	assert.NotPanics(t, func() { e.Stop() })
}

func TestStopIsIdempotent(t *testing.T) {
	e := fetchengine.New(testHost(), testGeneral())
	require.NoError(t, e.Tick())

	e.Stop()
	assert.NotPanics(t, func() { e.Stop() })
}

func TestTickAfterStopStartsFreshChannel(t *testing.T) {
	e := fetchengine.New(testHost(), testGeneral())
	require.NoError(t, e.Tick())
	e.Stop()

	// Stop has already cleared e.ch; give the killed channel's drain
	// goroutine a moment to observe its closed event before the second Tick.
	time.Sleep(50 * time.Millisecond)

	err := e.Tick()
	require.NoError(t, err)
	e.Stop()
}
