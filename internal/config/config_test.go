package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func valid() Config {
	return Config{
		Bytes:        true,
		SortOrder:    OrderNone,
		SortStrategy: StrategyKWay,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "defaults",
			mutate: func(c *Config) {},
		},
		{
			name: "user and group conflict",
			mutate: func(c *Config) {
				c.User = "1000"
				c.Group = "500"
			},
			wantErr: true,
		},
		{
			name:   "numeric user",
			mutate: func(c *Config) { c.User = "1000" },
		},
		{
			name:    "non-numeric user",
			mutate:  func(c *Config) { c.User = "alice" },
			wantErr: true,
		},
		{
			name:    "negative depth",
			mutate:  func(c *Config) { c.MaxDepth = -1 },
			wantErr: true,
		},
		{
			name:    "unknown sort order",
			mutate:  func(c *Config) { c.SortOrder = "sideways" },
			wantErr: true,
		},
		{
			name:    "unknown sort strategy",
			mutate:  func(c *Config) { c.SortStrategy = "quantum" },
			wantErr: true,
		},
		{
			name: "no output fields",
			mutate: func(c *Config) {
				c.Bytes = false
				c.Inodes = false
			},
			wantErr: true,
		},
		{
			name: "verbose and quiet conflict",
			mutate: func(c *Config) {
				c.Verbose = true
				c.Quiet = true
			},
			wantErr: true,
		},
		{
			name:   "exclude patterns compile",
			mutate: func(c *Config) { c.Exclude = []string{"/scratch/*", "*.tmp"} },
		},
		{
			name:    "bad exclude pattern",
			mutate:  func(c *Config) { c.Exclude = []string{"[unclosed"} },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)

			err := c.Validate()

			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateCompilesGlobs(t *testing.T) {
	c := valid()
	c.Exclude = []string{"/scratch/*"}

	require.NoError(t, c.Validate())
	require.Len(t, c.ExcludeGlobs(), 1)
	assert.True(t, c.ExcludeGlobs()[0].Match("/scratch/tmp123"))
	assert.False(t, c.ExcludeGlobs()[0].Match("/data/keep"))
}

func TestFilterIDs(t *testing.T) {
	c := valid()
	c.User = "1000"
	require.NoError(t, c.Validate())

	require.NotNil(t, c.UserID())
	assert.Equal(t, uint32(1000), *c.UserID())
	assert.Nil(t, c.GroupID())
}

func TestSummarize(t *testing.T) {
	c := valid()
	assert.True(t, c.Summarize())

	c.MaxDepth = 2
	assert.False(t, c.Summarize())
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{in: "512", want: 512},
		{in: "1K", want: 1024},
		{in: "1k", want: 1024},
		{in: "1KB", want: 1000},
		{in: "1KiB", want: 1024},
		{in: "2M", want: 2 * 1024 * 1024},
		{in: "1G", want: 1 << 30},
		{in: "", wantErr: true},
		{in: "oodles", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseSize(tt.in)

		if tt.wantErr {
			assert.Error(t, err, "in=%q", tt.in)
			continue
		}

		require.NoError(t, err, "in=%q", tt.in)
		assert.Equal(t, tt.want, got, "in=%q", tt.in)
	}
}

func TestParseThreshold(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "", want: 0},
		{in: "100", want: 100},
		{in: "1K", want: 1024},
		{in: "-1K", want: -1024},
		{in: "-", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseThreshold(tt.in)

		if tt.wantErr {
			assert.Error(t, err, "in=%q", tt.in)
			continue
		}

		require.NoError(t, err, "in=%q", tt.in)
		assert.Equal(t, tt.want, got, "in=%q", tt.in)
	}
}

func TestDefaults(t *testing.T) {
	v, err := Defaults("")
	require.NoError(t, err)

	assert.Equal(t, StrategyKWay, v.GetString("sort-strategy"))
}
