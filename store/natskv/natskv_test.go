package natskv

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amoahfrank/firewatch/errors"
	"github.com/amoahfrank/firewatch/natsclient"
	"github.com/amoahfrank/firewatch/telemetry"
	"github.com/amoahfrank/firewatch/testutil"
)

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no bucket", func(c *Config) { c.Bucket = "" }},
		{"no stream", func(c *Config) { c.Stream = "" }},
		{"no prefix", func(c *Config) { c.SubjectPrefix = "" }},
		{"negative age", func(c *Config) { c.MaxAge = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestMerge(t *testing.T) {
	stored := telemetry.NodeState{NodeID: "n1", Seq: 4, Status: telemetry.StatusAlert}

	got, err := merge(nil, telemetry.NodeState{NodeID: "n1", Seq: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Seq)

	_, err = merge(&stored, telemetry.NodeState{NodeID: "n1", Seq: 3})
	assert.ErrorIs(t, err, natsclient.ErrKVSkip)

	got, err = merge(&stored, telemetry.NodeState{NodeID: "n1", Seq: 4, Status: telemetry.StatusAlert, Config: telemetry.DefaultNodeConfig()})
	require.NoError(t, err)
	assert.Equal(t, telemetry.DefaultNodeConfig(), got.Config)

	got, err = merge(&stored, telemetry.NodeState{NodeID: "n1", Seq: 5, Status: telemetry.StatusNormal})
	require.NoError(t, err)
	assert.Equal(t, telemetry.StatusNormal, got.Status)
}

func TestToken(t *testing.T) {
	for _, id := range []string{"n1", "ridge.north:07", "A-b_c"} {
		tok := token(id)
		assert.NotContains(t, tok, ".")
		assert.NotContains(t, tok, ":")
		decoded, err := base64.RawURLEncoding.DecodeString(tok)
		require.NoError(t, err)
		assert.Equal(t, id, string(decoded))
	}
	assert.NotEqual(t, token("a.b"), token("a_b"))
}

func TestReadingSubject(t *testing.T) {
	s := &Store{cfg: DefaultConfig()}
	subject := s.ReadingSubject("ridge.north")
	assert.True(t, strings.HasPrefix(subject, "firewatch.readings."))
	assert.Equal(t, 3, strings.Count(subject, ".")+1)
}

func TestReadingID(t *testing.T) {
	a := testutil.NormalReading("n1", testutil.BaseTime)
	b := testutil.HotReading("n1", testutil.BaseTime)
	c := testutil.NormalReading("n1", testutil.BaseTime.Add(time.Nanosecond))
	assert.Equal(t, readingID(a), readingID(b))
	assert.NotEqual(t, readingID(a), readingID(c))
}
