package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseBoolEnv(t *testing.T) {
	t.Setenv("AGENTRELAY_TEST_BOOL", "yes")
	assert.True(t, ParseBoolEnv("AGENTRELAY_TEST_BOOL", false))

	t.Setenv("AGENTRELAY_TEST_BOOL", "off")
	assert.False(t, ParseBoolEnv("AGENTRELAY_TEST_BOOL", true))

	t.Setenv("AGENTRELAY_TEST_BOOL", "maybe")
	assert.True(t, ParseBoolEnv("AGENTRELAY_TEST_BOOL", true))

	assert.True(t, ParseBoolEnv("AGENTRELAY_TEST_BOOL_UNSET", true))
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("AGENTRELAY_TEST_DURATION", "1m")
	assert.Equal(t, time.Minute, ParseDurationEnv("AGENTRELAY_TEST_DURATION", time.Hour))

	t.Setenv("AGENTRELAY_TEST_DURATION", "soon")
	assert.Equal(t, time.Hour, ParseDurationEnv("AGENTRELAY_TEST_DURATION", time.Hour))

	t.Setenv("AGENTRELAY_TEST_DURATION", "-5s")
	assert.Equal(t, time.Hour, ParseDurationEnv("AGENTRELAY_TEST_DURATION", time.Hour))
}

func TestStringEnv(t *testing.T) {
	t.Setenv("AGENTRELAY_TEST_STRING", "  value ")
	assert.Equal(t, "value", StringEnv("AGENTRELAY_TEST_STRING", "default"))
	t.Setenv("AGENTRELAY_TEST_STRING", "   ")
	assert.Equal(t, "default", StringEnv("AGENTRELAY_TEST_STRING", "default"))
}
