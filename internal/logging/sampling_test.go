package logging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/metapod/internal/config"
)

func TestSampledCore_ErrorsNeverSampled(t *testing.T) {
	core, logs := observer.New(TraceLevel)
	sampled := newSampledCore(core, SamplingConfig{
		Enabled: true,
		Tick:    config.Duration(time.Minute),
		Levels:  map[zapcore.Level]LevelSampling{zapcore.InfoLevel: {Initial: 2}},
	})
	l := zap.New(sampled)

	for i := 0; i < 10; i++ {
		l.Info("attempt failed")
		l.Error("session failed")
	}

	assert.Equal(t, 2, logs.FilterMessage("attempt failed").Len())
	assert.Equal(t, 10, logs.FilterMessage("session failed").Len())
}

func TestSampledCore_Disabled(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := zap.New(newSampledCore(core, SamplingConfig{}))
	for i := 0; i < 5; i++ {
		l.Info("same")
	}
	assert.Equal(t, 5, logs.Len())
}

func TestSampledCore_EachLevelOnce(t *testing.T) {
	core, logs := observer.New(TraceLevel)
	l := zap.New(newSampledCore(core, NewDefaultConfig().Sampling))
	l.Warn("w")
	l.Info("i")
	l.Debug("d")
	assert.Equal(t, 3, logs.Len())
}
