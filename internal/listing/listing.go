// Package listing implements the remote listing protocol: decoding
// <LOG_FILE> frames emitted by the remote shell and resolving each record's
// destination archive path from its destination template.
package listing

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"

	"github.com/oetiker/logfetcher/internal/fileutil"
)

// firstReadSampleSize bounds how much of the first chunk read from a
// control channel is retained for stall diagnostics.
const firstReadSampleSize = 256

// frameRE matches one <LOG_FILE><id><mtime><path><NL> record at the start
// of a growing buffer, along with any bytes preceding it (group 1, which
// may be ssh diagnostics merged in from stderr). The dot in group 1 matches
// newlines, since diagnostic text may itself span several lines.
//
//nolint:gochecknoglobals // compiled once
var frameRE = regexp.MustCompile(`(?s)^(.*?)<LOG_FILE><(\d+)><(\d+)><(.+?)><NL>`)

// Record is one decoded listing frame.
type Record struct {
	// LogFileIndex is the zero-based index into the host's logFiles array
	// that produced this record.
	LogFileIndex int
	// Mtime is the remote file's modification time, Unix seconds.
	Mtime int64
	// RemotePath is the remote filename as reported by stat %n.
	RemotePath string
}

// Parser consumes chunks from a control channel's merged stdout/stderr
// stream and decodes <LOG_FILE> frames from the accumulating buffer.
//
// A Parser is not safe for concurrent use; callers confine it to the
// single executor driving one host's Control Channel, per the
// single-logical-executor concurrency model.
type Parser struct {
	buf             []byte
	firstReadSample []byte
}

// Feed appends chunk to the parser's buffer and decodes as many complete
// records as are present, returning them in arrival order. The first 256
// bytes of the first chunk ever fed are captured once as the first-read
// sample (see FirstReadSample), whether or not they contain a record.
func (p *Parser) Feed(chunk []byte) []Record {
	if p.firstReadSample == nil {
		n := len(chunk)
		if n > firstReadSampleSize {
			n = firstReadSampleSize
		}
		p.firstReadSample = append([]byte(nil), chunk[:n]...)
	}

	p.buf = append(p.buf, chunk...)

	var records []Record
	for {
		loc := frameRE.FindSubmatchIndex(p.buf)
		if loc == nil {
			break
		}

		idField := string(p.buf[loc[4]:loc[5]])
		mtimeField := string(p.buf[loc[6]:loc[7]])
		pathField := string(p.buf[loc[8]:loc[9]])

		var id int
		var mtime int64
		if _, err := fmt.Sscanf(idField, "%d", &id); err != nil {
			p.buf = p.buf[loc[1]:]
			continue
		}
		if _, err := fmt.Sscanf(mtimeField, "%d", &mtime); err != nil {
			p.buf = p.buf[loc[1]:]
			continue
		}

		records = append(records, Record{
			LogFileIndex: id,
			Mtime:        mtime,
			RemotePath:   pathField,
		})

		p.buf = p.buf[loc[1]:]
	}

	return records
}

// FirstReadSample returns up to 256 bytes of the first chunk ever fed to
// this parser, for logging when a control channel is judged stalled. It
// returns nil until the first chunk arrives.
func (p *Parser) FirstReadSample() []byte {
	return p.firstReadSample
}

// ResolveDestination computes the archive path for one listing record.
//
// If filterRE is non-nil, remotePath must match it; a non-match returns
// ("", false, nil) to signal the record should be skipped silently, per
// §4.1 step 2. If filterRE is nil, every record is eligible and the
// ${RXMATCH_k} tokens all resolve to the empty string.
//
// strftime expansion runs first, against destinationTemplate exactly as
// configured; ${RXMATCH_k} substitution runs second, against the already
// strftime-expanded string, so a percent sign carried in from a capture
// group is never re-interpreted as a strftime directive.
//
// ${RXMATCH_k} values come from filterRE's capture groups against a
// remote-supplied filename (§4.1 step 3), so the resolved destination is
// validated with fileutil.SafeJoin against the template's static root
// (StaticRoot) before it is returned: a capture containing ".." cannot
// walk the archive path outside the directory the operator configured.
// A record whose resolved destination escapes its static root is
// rejected with a non-nil error rather than silently truncated or
// resynchronized.
func ResolveDestination(destinationTemplate string, mtime int64, filterRE *regexp.Regexp, remotePath string) (destination string, eligible bool, err error) {
	var captures []string
	if filterRE != nil {
		captures = filterRE.FindStringSubmatch(remotePath)
		if captures == nil {
			return "", false, nil
		}
	}

	expanded := expandStrftime(destinationTemplate, time.Unix(mtime, 0))
	destination = substituteBackreferences(expanded, captures)

	root := StaticRoot(destinationTemplate)
	rel, err := filepath.Rel(root, destination)
	if err != nil {
		return "", false, fmt.Errorf("listing: resolving %q relative to archive root %s: %w", destination, root, err)
	}
	if _, err := fileutil.SafeJoin(root, rel); err != nil {
		return "", false, fmt.Errorf("listing: destination %q escapes archive root %s: %w", destination, root, err)
	}

	return destination, true, nil
}

// StaticRoot returns the longest leading directory of a destination
// template that contains neither a strftime directive ('%') nor a
// ${RXMATCH_k} token ('$') - the part of the archive path under the
// operator's control, as opposed to the part resolved from remote,
// attacker-influenced input. ResolveDestination uses it as the
// fileutil.SafeJoin base so a filterRegexp capture group can never walk
// the resolved destination outside the configured archive tree.
func StaticRoot(destinationTemplate string) string {
	cut := len(destinationTemplate)
	if i := strings.IndexAny(destinationTemplate, "%$"); i >= 0 {
		cut = i
	}
	root := filepath.Dir(destinationTemplate[:cut])
	if root == "." {
		return string(filepath.Separator)
	}
	return root
}

// backrefRE matches the ${RXMATCH_k} tokens substituted from filterRegexp
// capture groups, k in 1..5 per §4.1 step 3.
//
//nolint:gochecknoglobals // compiled once
var backrefRE = regexp.MustCompile(`\$\{RXMATCH_([1-5])\}`)

func substituteBackreferences(s string, captures []string) string {
	return backrefRE.ReplaceAllStringFunc(s, func(m string) string {
		sub := backrefRE.FindStringSubmatch(m)
		k := int(sub[1][0] - '0')
		if k >= len(captures) {
			return ""
		}
		return captures[k]
	})
}

// expandStrftime is the single call site into the third-party strftime
// implementation, isolated so that any mismatch between this package's
// assumed API and the real one is confined to one function.
func expandStrftime(format string, t time.Time) string {
	return strftime.Format(format, t)
}
