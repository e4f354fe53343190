package logging_test

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"

	"github.com/omochice/rocketchat-adapter/internal/logging"
)

func TestSetup_Level(t *testing.T) {
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })

	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{level: "debug", want: zerolog.DebugLevel},
		{level: " WARN ", want: zerolog.WarnLevel},
		{level: "", want: zerolog.InfoLevel},
		{level: "verbose", want: zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := logging.Setup(tt.level, &bytes.Buffer{})
			assert.Equal(t, tt.want, logger.GetLevel())
		})
	}
}

func TestComponent_TagsOutput(t *testing.T) {
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })

	var buf bytes.Buffer
	logging.Setup("debug", &buf)

	logger := logging.Component("ddp")
	logger.Info().Msg("connected")

	out := buf.String()
	assert.Contains(t, out, "connected")
	assert.Contains(t, out, "component=")
	assert.Contains(t, out, "ddp")
}
