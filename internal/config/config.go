// Package config loads and validates the logfetcher configuration file.
//
// The file format is JSON with "//" line comments, which are stripped before
// parsing. Values inside globPattern and destinationFile strings may
// reference ${KEY} tokens that are substituted from the CONSTANTS section
// before the configuration is validated.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

// Default values for optional GENERAL fields.
const (
	DefaultLogCheckInterval  = 10
	DefaultStatusLogInterval = 60
	DefaultTimeout           = 5
	DefaultTransferTaskLimit = 20
	DefaultLogLevel          = "info"
)

// DefaultConfigPath is used when neither LoadOptions.ConfigFile nor the
// LOGFETCHER_CFG environment variable is set.
const DefaultConfigPath = "./etc/logfetcher.cfg"

// ConfigPathEnvVar overrides the default config path.
const ConfigPathEnvVar = "LOGFETCHER_CFG"

// validLogLevels are the log levels accepted in GENERAL.logLevel.
//
//nolint:gochecknoglobals // validation lookup table
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
	"fatal": true,
}

// constantNameRE matches the allowed CONSTANTS key shape; constantRefRE
// matches the ${KEY} reference shape used inside globPattern/destinationFile
// strings.
//
//nolint:gochecknoglobals // compiled once
var constantNameRE = regexp.MustCompile(`^[_A-Z]+$`)

//nolint:gochecknoglobals // compiled once
var constantRefRE = regexp.MustCompile(`\$\{([_A-Z]+)\}`)

// Config is the fully validated, defaulted configuration.
type Config struct {
	General   GeneralConfig
	Constants map[string]string
	Hosts     []HostConfig
}

// GeneralConfig holds process-wide settings.
type GeneralConfig struct {
	LogFile           string
	LogLevel          string
	LogCheckInterval  int // seconds between listings
	StatusLogInterval int // seconds between stats flushes
	Timeout           int // per-chunk idle timeout, seconds
	TransferTaskLimit int // 0 means unlimited
}

// HostConfig describes one remote host to fetch logs from.
type HostConfig struct {
	Name       string
	SSHConnect []string
	LogFiles   []LogFileSpec
}

// LogFileSpec describes one glob of remote files to track.
type LogFileSpec struct {
	GlobPattern     string
	FilterRegexp    string
	FilterRE        *regexp.Regexp // compiled form of FilterRegexp, nil if unset
	DestinationFile string
	// MinAge is parsed and validated but never enforced - see DESIGN.md's
	// Open Question decisions.
	MinAge *int
}

// LoadOptions configures Load.
type LoadOptions struct {
	// ConfigFile is an explicit path. If empty, LOGFETCHER_CFG and then
	// DefaultConfigPath are tried in that order.
	ConfigFile string
}

// Load reads, strips comments from, parses, and validates the configuration
// file named by opts.ConfigFile, LOGFETCHER_CFG, or DefaultConfigPath.
func Load(opts LoadOptions) (Config, error) {
	path := opts.ConfigFile
	if path == "" {
		path = os.Getenv(ConfigPathEnvVar)
	}
	if path == "" {
		path = DefaultConfigPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse strips comments from and decodes raw JSON config bytes, applies
// CONSTANTS substitution and defaults, and validates the result.
func Parse(data []byte) (Config, error) {
	stripped := stripLineComments(data)

	var raw rawConfig
	dec := json.NewDecoder(bytes.NewReader(stripped))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return Config{}, newParseError(data, err)
	}

	cfg := raw.toConfig()

	var errs []error
	if err := substituteConstants(&cfg); err != nil {
		errs = append(errs, err)
	}
	if err := validate(&cfg); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}

	return cfg, nil
}

// rawConfig mirrors the on-disk JSON schema before defaults are applied.
type rawConfig struct {
	General   rawGeneral        `json:"GENERAL"`
	Constants map[string]string `json:"CONSTANTS"`
	Hosts     []rawHost         `json:"HOSTS"`
}

type rawGeneral struct {
	LogFile           string `json:"logFile"`
	LogLevel          string `json:"logLevel"`
	LogCheckInterval  *int   `json:"logCheckInterval"`
	StatusLogInterval *int   `json:"statusLogInterval"`
	Timeout           *int   `json:"timeout"`
	TransferTaskLimit *int   `json:"transferTaskLimit"`
}

type rawHost struct {
	Name       string       `json:"name"`
	SSHConnect []string     `json:"sshConnect"`
	LogFiles   []rawLogFile `json:"logFiles"`
}

type rawLogFile struct {
	GlobPattern     string `json:"globPattern"`
	FilterRegexp    string `json:"filterRegexp"`
	DestinationFile string `json:"destinationFile"`
	MinAge          *int   `json:"minAge"`
}

func (r rawConfig) toConfig() Config {
	cfg := Config{
		General: GeneralConfig{
			LogFile:           r.General.LogFile,
			LogLevel:          r.General.LogLevel,
			LogCheckInterval:  intOrDefault(r.General.LogCheckInterval, DefaultLogCheckInterval),
			StatusLogInterval: intOrDefault(r.General.StatusLogInterval, DefaultStatusLogInterval),
			Timeout:           intOrDefault(r.General.Timeout, DefaultTimeout),
			TransferTaskLimit: intOrDefault(r.General.TransferTaskLimit, DefaultTransferTaskLimit),
		},
		Constants: r.Constants,
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = DefaultLogLevel
	}
	if cfg.Constants == nil {
		cfg.Constants = map[string]string{}
	}

	for _, h := range r.Hosts {
		host := HostConfig{
			Name:       h.Name,
			SSHConnect: h.SSHConnect,
		}
		for _, lf := range h.LogFiles {
			host.LogFiles = append(host.LogFiles, LogFileSpec{
				GlobPattern:     lf.GlobPattern,
				FilterRegexp:    lf.FilterRegexp,
				DestinationFile: lf.DestinationFile,
				MinAge:          lf.MinAge,
			})
		}
		cfg.Hosts = append(cfg.Hosts, host)
	}

	return cfg
}

func intOrDefault(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// substituteConstants expands ${KEY} references in every globPattern and
// destinationFile string using cfg.Constants. It runs at load time, before
// strftime expansion in the listing package, so a percent sign carried in
// via a substituted value is expanded as a strftime directive.
func substituteConstants(cfg *Config) error {
	var unknown []string
	seen := map[string]bool{}

	expand := func(s string) string {
		return constantRefRE.ReplaceAllStringFunc(s, func(m string) string {
			key := constantRefRE.FindStringSubmatch(m)[1]
			if v, ok := cfg.Constants[key]; ok {
				return v
			}
			if !seen[key] {
				seen[key] = true
				unknown = append(unknown, key)
			}
			return m
		})
	}

	for i := range cfg.Hosts {
		for j := range cfg.Hosts[i].LogFiles {
			lf := &cfg.Hosts[i].LogFiles[j]
			lf.GlobPattern = expand(lf.GlobPattern)
			lf.DestinationFile = expand(lf.DestinationFile)
		}
	}

	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("undefined CONSTANTS reference(s): %s", strings.Join(unknown, ", "))
	}
	return nil
}

// validate checks schema constraints and compiles each LogFileSpec's filter
// regexp. It collects every problem instead of stopping at the first.
func validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.General.LogLevel] {
		errs = append(errs, fmt.Errorf("GENERAL.logLevel: invalid value %q", cfg.General.LogLevel))
	}
	if cfg.General.LogCheckInterval <= 0 {
		errs = append(errs, errors.New("GENERAL.logCheckInterval must be positive"))
	}
	if cfg.General.StatusLogInterval <= 0 {
		errs = append(errs, errors.New("GENERAL.statusLogInterval must be positive"))
	}
	if cfg.General.Timeout <= 0 {
		errs = append(errs, errors.New("GENERAL.timeout must be positive"))
	}
	if cfg.General.TransferTaskLimit < 0 {
		errs = append(errs, errors.New("GENERAL.transferTaskLimit must not be negative"))
	}

	for key := range cfg.Constants {
		if !constantNameRE.MatchString(key) {
			errs = append(errs, fmt.Errorf("CONSTANTS: invalid key %q (must match [_A-Z]+)", key))
		}
	}

	if len(cfg.Hosts) == 0 {
		errs = append(errs, errors.New("HOSTS: at least one host is required"))
	}

	seenNames := map[string]bool{}
	for i := range cfg.Hosts {
		host := &cfg.Hosts[i]
		if host.Name == "" {
			errs = append(errs, fmt.Errorf("HOSTS[%d]: name is required", i))
		} else if seenNames[host.Name] {
			errs = append(errs, fmt.Errorf("HOSTS[%d]: duplicate host name %q", i, host.Name))
		}
		seenNames[host.Name] = true

		if len(host.SSHConnect) == 0 {
			errs = append(errs, fmt.Errorf("host %q: sshConnect must not be empty", host.Name))
		}
		for _, arg := range host.SSHConnect {
			if arg == "" {
				errs = append(errs, fmt.Errorf("host %q: sshConnect contains an empty argument", host.Name))
			}
		}

		if len(host.LogFiles) == 0 {
			errs = append(errs, fmt.Errorf("host %q: logFiles must not be empty", host.Name))
		}

		for j := range host.LogFiles {
			lf := &host.LogFiles[j]
			if lf.GlobPattern == "" {
				errs = append(errs, fmt.Errorf("host %q: logFiles[%d].globPattern is required", host.Name, j))
			}
			if lf.DestinationFile == "" {
				errs = append(errs, fmt.Errorf("host %q: logFiles[%d].destinationFile is required", host.Name, j))
			}
			if lf.MinAge != nil && *lf.MinAge < 0 {
				errs = append(errs, fmt.Errorf("host %q: logFiles[%d].minAge must not be negative", host.Name, j))
			}
			if lf.FilterRegexp != "" {
				re, err := regexp.Compile(lf.FilterRegexp)
				if err != nil {
					errs = append(errs, fmt.Errorf("host %q: logFiles[%d].filterRegexp: %w", host.Name, j, err))
					continue
				}
				lf.FilterRE = re
			}
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// parseError reports a JSON decode failure with a caret pointing at the
// offending byte, mapped back to a line/column in the original source (the
// comment-stripped copy has identical line/column positions to the original
// since stripLineComments never removes a byte, only blanks it).
type parseError struct {
	Line, Column int
	LineText     string
	Err          error
}

func (e *parseError) Error() string {
	return fmt.Sprintf("config parse error at line %d, column %d:\n%s\n%s^\n%s",
		e.Line, e.Column, e.LineText, strings.Repeat(" ", e.Column-1), e.Err)
}

func (e *parseError) Unwrap() error {
	return e.Err
}

func newParseError(src []byte, err error) error {
	var offset int64
	switch typed := err.(type) {
	case *json.SyntaxError:
		offset = typed.Offset
	case *json.UnmarshalTypeError:
		offset = typed.Offset
	default:
		return err
	}

	line, col, lineText := positionFromOffset(src, offset)
	return &parseError{Line: line, Column: col, LineText: lineText, Err: err}
}

func positionFromOffset(src []byte, offset int64) (line, col int, lineText string) {
	line = 1
	lastNL := -1
	limit := int(offset)
	if limit > len(src) {
		limit = len(src)
	}
	for i := 0; i < limit; i++ {
		if src[i] == '\n' {
			line++
			lastNL = i
		}
	}
	col = limit - lastNL

	start := lastNL + 1
	end := start
	for end < len(src) && src[end] != '\n' {
		end++
	}
	lineText = string(src[start:end])
	return line, col, lineText
}

// stripLineComments blanks out "//" line comments outside of JSON string
// literals, replacing comment bytes with spaces so byte offsets - and
// therefore the line/column a later json.SyntaxError reports - stay
// identical to the original file.
func stripLineComments(src []byte) []byte {
	out := make([]byte, len(src))
	copy(out, src)

	inString := false
	escaped := false

	for i := 0; i < len(out); i++ {
		c := out[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch {
		case c == '"':
			inString = true
		case c == '/' && i+1 < len(out) && out[i+1] == '/':
			for i < len(out) && out[i] != '\n' {
				out[i] = ' '
				i++
			}
		}
	}

	return out
}
