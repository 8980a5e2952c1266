package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChildEnvMergesAndExpands(t *testing.T) {
	t.Setenv("SURFARI_TEST_BASE", "/opt/tools")
	t.Setenv("SURFARI_TEST_INHERITED", "keep")

	env := childEnv(map[string]string{
		"TOOL_HOME":              "$SURFARI_TEST_BASE/bin",
		"SURFARI_TEST_INHERITED": "overridden",
	})

	asMap := map[string]string{}
	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				asMap[kv[:i]] = kv[i+1:]
				break
			}
		}
	}

	assert.Equal(t, "/opt/tools/bin", asMap["TOOL_HOME"])
	assert.Equal(t, "overridden", asMap["SURFARI_TEST_INHERITED"])
	assert.Equal(t, "/opt/tools", asMap["SURFARI_TEST_BASE"])
}

func TestChildEnvEmptyConfig(t *testing.T) {
	t.Setenv("SURFARI_TEST_INHERITED", "keep")

	env := childEnv(nil)

	found := false
	for _, kv := range env {
		if kv == "SURFARI_TEST_INHERITED=keep" {
			found = true
			break
		}
	}
	assert.True(t, found)
}
