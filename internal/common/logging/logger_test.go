package logging

import (
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestConfigureLogging(t *testing.T) {
	defer log.SetLevel(log.InfoLevel)

	err := ConfigureLogging(Config{Level: "debug", Format: "json"})
	assert.NoError(t, err)
	assert.Equal(t, log.DebugLevel, log.GetLevel())
	_, isJson := log.StandardLogger().Formatter.(*log.JSONFormatter)
	assert.True(t, isJson)

	err = ConfigureLogging(Config{})
	assert.NoError(t, err)
	assert.Equal(t, log.InfoLevel, log.GetLevel())
}

func TestConfigureLogging_Invalid(t *testing.T) {
	assert.Error(t, ConfigureLogging(Config{Level: "loud"}))
	assert.Error(t, ConfigureLogging(Config{Level: "info", Format: "xml"}))
}
