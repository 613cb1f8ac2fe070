package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-pvio/logging"
)

func TestParseLevel(t *testing.T) {
	for _, name := range []string{"trace", "debug", "info", "warn", "error"} {
		l, err := logging.ParseLevel(name)
		require.NoError(t, err)
		assert.Equal(t, name, l.String())
	}
	l, err := logging.ParseLevel(" WARNING ")
	require.NoError(t, err)
	assert.Equal(t, logging.LevelWarn, l)

	_, err = logging.ParseLevel("loud")
	assert.ErrorContains(t, err, "unknown log level")
	assert.Less(t, logging.LevelTrace.Slog(), slog.LevelDebug)
}

func TestParseSpec(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantBase  logging.Level
		wantComps map[string]logging.Level
		wantErr   string
	}{
		{name: "empty", input: "", wantBase: logging.LevelInfo},
		{name: "base only", input: "debug", wantBase: logging.LevelDebug},
		{
			name:      "overrides",
			input:     "warn,evtchn=debug,ring=trace",
			wantBase:  logging.LevelWarn,
			wantComps: map[string]logging.Level{"evtchn": logging.LevelDebug, "ring": logging.LevelTrace},
		},
		{
			name:      "whitespace",
			input:     " info , grant = debug ",
			wantBase:  logging.LevelInfo,
			wantComps: map[string]logging.Level{"grant": logging.LevelDebug},
		},
		{
			name:      "override without base",
			input:     "sim=error",
			wantBase:  logging.LevelInfo,
			wantComps: map[string]logging.Level{"sim": logging.LevelError},
		},
		{name: "bad base", input: "loud", wantErr: "unknown log level"},
		{name: "bad override", input: "info,ring=loud", wantErr: "component ring"},
		{name: "base not first", input: "ring=debug,info", wantErr: "must come first"},
		{name: "empty component", input: "info,=debug", wantErr: "missing component"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := logging.ParseSpec(tt.input)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBase, spec.Base)
			if tt.wantComps == nil {
				assert.Empty(t, spec.Components)
			} else {
				assert.Equal(t, tt.wantComps, spec.Components)
			}
		})
	}
}

func TestSpec_StringRoundTrips(t *testing.T) {
	spec, err := logging.ParseSpec("warn,ring=trace,evtchn=debug")
	require.NoError(t, err)
	assert.Equal(t, "warn,evtchn=debug,ring=trace", spec.String())

	again, err := logging.ParseSpec(spec.String())
	require.NoError(t, err)
	assert.Equal(t, spec, again)
}

func TestFilter_PerComponent(t *testing.T) {
	spec, err := logging.ParseSpec("warn,evtchn=debug,ring=trace")
	require.NoError(t, err)

	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{CLISpec: spec.String(), Output: &buf})
	require.NoError(t, err)

	logger.Info("root info")
	assert.Empty(t, buf.String())
	logger.Warn("root warn")
	assert.Contains(t, buf.String(), "root warn")

	buf.Reset()
	ev := logger.With("component", "evtchn")
	ev.Debug("evtchn debug")
	assert.Contains(t, buf.String(), "evtchn debug")
	logging.Trace(ev, "evtchn trace")
	assert.NotContains(t, buf.String(), "evtchn trace")

	buf.Reset()
	rl := logger.With("component", "ring").WithGroup("slot")
	logging.Trace(rl, "ring trace", "idx", 3)
	assert.Contains(t, buf.String(), "ring trace")
	assert.Contains(t, buf.String(), "slot.idx=3")

	buf.Reset()
	logger.With("component", "grant").Info("grant info")
	assert.Empty(t, buf.String(), "unlisted component falls back to base")
}

func TestNew_Precedence(t *testing.T) {
	tests := []struct {
		name string
		opts logging.Options
		want logging.Level
	}{
		{name: "cli over env", opts: logging.Options{CLISpec: "error", EnvSpec: "debug", ConfigSpec: "info"}, want: logging.LevelError},
		{name: "env over config", opts: logging.Options{EnvSpec: "debug", ConfigSpec: "warn"}, want: logging.LevelDebug},
		{name: "config", opts: logging.Options{ConfigSpec: "warn"}, want: logging.LevelWarn},
		{name: "default", opts: logging.Options{}, want: logging.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.opts.Output = &buf
			logger, err := logging.New(tt.opts)
			require.NoError(t, err)

			ctx := context.Background()
			assert.True(t, logger.Enabled(ctx, tt.want.Slog()))
			assert.False(t, logger.Enabled(ctx, tt.want.Slog()-1))
		})
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: logging.FormatJSON, Output: &buf})
	require.NoError(t, err)

	logger.With("component", "sim").Info("domain created", "domain", 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "domain created", rec["msg"])
	assert.Equal(t, "sim", rec["component"])
}

func TestNew_BadSpec(t *testing.T) {
	_, err := logging.New(logging.Options{EnvSpec: "nope"})
	assert.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	f, err := logging.ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, logging.FormatText, f)
	f, err = logging.ParseFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, logging.FormatJSON, f)
	_, err = logging.ParseFormat("xml")
	assert.Error(t, err)
}

func TestDiscard(t *testing.T) {
	assert.False(t, logging.Discard().Enabled(context.Background(), slog.LevelError))
}
