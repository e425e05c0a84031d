package listing_test

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oetiker/logfetcher/internal/listing"
)

func TestParserDecodesOneRecord(t *testing.T) {
	var p listing.Parser

	records := p.Feed([]byte("<LOG_FILE><0><1700000000></var/log/x><NL>"))

	require.Len(t, records, 1)
	assert.Equal(t, 0, records[0].LogFileIndex)
	assert.Equal(t, int64(1700000000), records[0].Mtime)
	assert.Equal(t, "/var/log/x", records[0].RemotePath)
}

func TestParserDecodesMultipleRecordsAcrossChunks(t *testing.T) {
	var p listing.Parser

	first := p.Feed([]byte("<LOG_FILE><0><100>"))
	assert.Empty(t, first)

	second := p.Feed([]byte("</var/log/a><NL><LOG_FILE><1><200></var/log/b><NL>"))
	require.Len(t, second, 2)
	assert.Equal(t, "/var/log/a", second[0].RemotePath)
	assert.Equal(t, "/var/log/b", second[1].RemotePath)
}

func TestParserToleratesDiagnosticsBeforeFirstRecord(t *testing.T) {
	var p listing.Parser

	records := p.Feed([]byte("Warning: Permanently added 'host' (ED25519).\n<LOG_FILE><0><1700000000></var/log/x><NL>"))

	require.Len(t, records, 1)
	assert.Equal(t, "/var/log/x", records[0].RemotePath)
}

func TestFirstReadSampleCapturedOnceUpTo256Bytes(t *testing.T) {
	var p listing.Parser

	require.Nil(t, p.FirstReadSample())

	longPreamble := make([]byte, 300)
	for i := range longPreamble {
		longPreamble[i] = 'x'
	}
	p.Feed(longPreamble)

	sample := p.FirstReadSample()
	require.Len(t, sample, 256)

	// a second chunk must not overwrite the retained sample
	p.Feed([]byte("<LOG_FILE><0><1><p><NL>"))
	assert.Len(t, p.FirstReadSample(), 256)
}

func TestResolveDestinationNoFilter(t *testing.T) {
	destination, eligible, err := listing.ResolveDestination("/a/%Y/x.gz", 1700000000, nil, "/var/log/x")

	require.NoError(t, err)
	require.True(t, eligible)
	assert.Equal(t, "/a/2023/x.gz", destination)
}

func TestResolveDestinationFilterAndBackreference(t *testing.T) {
	re := regexp.MustCompile(`([^/]+-access\.log)\.\d+$`)
	mtime := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.Local).Unix()

	destination, eligible, err := listing.ResolveDestination("/a/${RXMATCH_1}-%Y.gz", mtime, re, "/var/log/site-access.log.3")

	require.NoError(t, err)
	require.True(t, eligible)
	assert.Equal(t, "/a/site-access.log-2024.gz", destination)
}

func TestResolveDestinationFilterNoMatchSkipsSilently(t *testing.T) {
	re := regexp.MustCompile(`-access\.log\.\d+$`)

	_, eligible, err := listing.ResolveDestination("/a/%Y.gz", 1700000000, re, "/var/log/other.txt")

	require.NoError(t, err)
	assert.False(t, eligible)
}

func TestResolveDestinationBackreferencePercentNotReexpanded(t *testing.T) {
	re := regexp.MustCompile(`^(.*)$`)

	destination, eligible, err := listing.ResolveDestination("/a/${RXMATCH_1}", 1700000000, re, "50%done")

	require.NoError(t, err)
	require.True(t, eligible)
	assert.Equal(t, "/a/50%done", destination)
}

func TestResolveDestinationRejectsBackreferenceEscapingArchiveRoot(t *testing.T) {
	re := regexp.MustCompile(`^(.*)$`)

	destination, eligible, err := listing.ResolveDestination("/archive/${RXMATCH_1}.gz", 1700000000, re, "../../etc/passwd")

	require.Error(t, err)
	assert.False(t, eligible)
	assert.Empty(t, destination)
}

func TestStaticRootStopsAtFirstDynamicToken(t *testing.T) {
	assert.Equal(t, "/a", listing.StaticRoot("/a/%Y/x.gz"))
	assert.Equal(t, "/a", listing.StaticRoot("/a/${RXMATCH_1}-%Y.gz"))
	assert.Equal(t, "/archive/2023", listing.StaticRoot("/archive/2023/x.gz"))
}
