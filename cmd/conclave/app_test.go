package conclave

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestLoggerConfig(t *testing.T) {
	as := require.New(t)

	cfg, err := loggerConfig(false, "auto")
	as.NoError(err)
	as.Equal("json", cfg.Encoding)
	as.Equal([]string{"stderr"}, cfg.OutputPaths)

	cfg, err = loggerConfig(true, "auto")
	as.NoError(err)
	as.Equal("console", cfg.Encoding)
	as.True(cfg.Development)

	cfg, err = loggerConfig(false, "console")
	as.NoError(err)
	as.Equal("console", cfg.Encoding)

	_, err = loggerConfig(false, "xml")
	as.Error(err)
}

func TestDropDeliveryNoise(t *testing.T) {
	as := require.New(t)

	as.False(dropDeliveryNoise(zapcore.Entry{Level: zapcore.DebugLevel, Message: "Failed to deliver envelope"}, nil))
	as.True(dropDeliveryNoise(zapcore.Entry{Level: zapcore.WarnLevel, Message: "Failed to deliver envelope"}, nil))
	as.True(dropDeliveryNoise(zapcore.Entry{Level: zapcore.DebugLevel, Message: "Installed view"}, nil))
}

func TestWrapText(t *testing.T) {
	as := require.New(t)

	lines := wrapText("one two three four\n\nfive", 20)
	as.Equal([]string{"one two three four", "", "five"}, lines)

	lines = wrapText("aaaaaaaaaa bbbbbbbbbb cccccccccc", 21)
	as.Equal([]string{"aaaaaaaaaa bbbbbbbbbb", "cccccccccc"}, lines)

	as.Equal([]string{""}, wrapText("", 40))
}
