// Package config holds the run configuration and its validation.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gobwas/glob"
	"github.com/spf13/viper"
)

// ErrConfig reports an invalid or conflicting option set. It is
// raised before any scan is invoked.
var ErrConfig = errors.New("invalid configuration")

// Sort strategy names accepted by Config.SortStrategy.
const (
	StrategyKWay = "kway"
	StrategyFull = "full"
)

// Sort order names accepted by Config.SortOrder.
const (
	OrderNone = "none"
	OrderAsc  = "asc"
	OrderDesc = "desc"
)

// Config is the complete configuration of one mmdu invocation.
type Config struct {
	// input
	Dirs []string

	// aggregation
	MaxDepth      int // 0 means totals only
	CountLinks    bool
	OneFileSystem bool
	Exclude       []string

	// output
	Apparent  bool
	SI        bool
	BlockSize uint64 // 0 means human-readable
	Bytes     bool
	Inodes    bool
	Threshold int64
	SortOrder string
	NUL       bool
	NcduPath  string

	// error policy
	Strict bool

	// scan filter (numeric ids, resolved upstream)
	User  string
	Group string

	// forwarded to mmapplypolicy
	Nodes         string
	LocalWorkDir  string
	GlobalWorkDir string

	// merge strategy for multi-channel reports
	SortStrategy string

	// diagnostics
	Verbose bool
	Quiet   bool

	compiled []glob.Glob
}

// Defaults returns a viper instance carrying site defaults. An
// optional mmdu.yaml is read from /etc, ~/.config/mmdu or the working
// directory; MMDU_* environment variables override it. A missing file
// is not an error.
func Defaults(file string) (*viper.Viper, error) {
	v := viper.New()

	v.SetDefault("sort-strategy", StrategyKWay)
	v.SetDefault("block-size", "")
	v.SetDefault("nodes", "")
	v.SetDefault("local-work-dir", "")
	v.SetDefault("global-work-dir", "")

	v.SetEnvPrefix("MMDU")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("mmdu")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc")
		v.AddConfigPath("$HOME/.config/mmdu")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if file != "" {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return v, nil
}

// Validate checks option consistency and compiles derived state.
func (c *Config) Validate() error {
	if c.User != "" && c.Group != "" {
		return fmt.Errorf("%w: --user and --group are mutually exclusive", ErrConfig)
	}

	for _, id := range []struct{ name, val string }{
		{"user", c.User},
		{"group", c.Group},
	} {
		if id.val == "" {
			continue
		}
		if _, err := strconv.ParseUint(id.val, 10, 32); err != nil {
			return fmt.Errorf("%w: --%s must be a numeric id: %q", ErrConfig, id.name, id.val)
		}
	}

	if c.MaxDepth < 0 {
		return fmt.Errorf("%w: --max-depth must not be negative", ErrConfig)
	}

	switch c.SortOrder {
	case OrderNone, OrderAsc, OrderDesc:
	default:
		return fmt.Errorf("%w: unknown sort order %q", ErrConfig, c.SortOrder)
	}

	switch c.SortStrategy {
	case StrategyKWay, StrategyFull:
	default:
		return fmt.Errorf("%w: unknown sort strategy %q", ErrConfig, c.SortStrategy)
	}

	if !c.Bytes && !c.Inodes {
		return fmt.Errorf("%w: at least one of byte and inode output must be selected", ErrConfig)
	}

	if c.Verbose && c.Quiet {
		return fmt.Errorf("%w: --verbose and --quiet are mutually exclusive", ErrConfig)
	}

	c.compiled = c.compiled[:0]
	for _, pattern := range c.Exclude {
		g, err := glob.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: bad exclude pattern %q: %v", ErrConfig, pattern, err)
		}
		c.compiled = append(c.compiled, g)
	}

	return nil
}

// UserID returns the numeric user filter, if set. Validate must have
// succeeded.
func (c *Config) UserID() *uint32 {
	return parseID(c.User)
}

// GroupID returns the numeric group filter, if set.
func (c *Config) GroupID() *uint32 {
	return parseID(c.Group)
}

func parseID(s string) *uint32 {
	if s == "" {
		return nil
	}

	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return nil
	}

	id := uint32(n)

	return &id
}

// ExcludeGlobs returns the compiled exclusion patterns.
func (c *Config) ExcludeGlobs() []glob.Glob {
	return c.compiled
}

// Summarize reports whether only per-directory roots are printed.
// Without --max-depth mmdu reports a single total per directory, which
// is the documented difference to du.
func (c *Config) Summarize() bool {
	return c.MaxDepth == 0
}

// ParseSize parses a du-style size value: a plain byte count or a
// value with a unit suffix, where single-letter suffixes are binary
// (1K = 1024) and *B suffixes are decimal (1KB = 1000), as in du's
// block size arguments.
func ParseSize(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: empty size", ErrConfig)
	}

	v := s
	last := v[len(v)-1]
	if last != 'B' && last != 'b' && !isDigit(last) {
		// bare suffix like K, M, G is binary
		v += "iB"
	}

	n, err := humanize.ParseBytes(v)
	if err != nil {
		return 0, fmt.Errorf("%w: bad size %q: %v", ErrConfig, s, err)
	}

	return n, nil
}

// ParseThreshold parses a signed size. A leading '-' selects a
// maximum threshold, otherwise a minimum.
func ParseThreshold(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}

	negative := strings.HasPrefix(s, "-")

	n, err := ParseSize(strings.TrimPrefix(s, "-"))
	if err != nil {
		return 0, err
	}

	if n > uint64(1)<<62 {
		return 0, fmt.Errorf("%w: threshold %q out of range", ErrConfig, s)
	}

	v := int64(n)
	if negative {
		v = -v
	}

	return v, nil
}

func isDigit(c byte) bool {
	return '0' <= c && c <= '9'
}
