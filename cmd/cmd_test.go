package cmd

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/taskdroid/internal/config"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["run"])
	assert.True(t, names["explore"])
	assert.True(t, names["devices"])
}

func TestInitializeConfig_EnvOverridesDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("TASKDROID_AGENT_MAX_TASK_ROUNDS", "7")
	t.Setenv("TASKDROID_KNOWLEDGE_DATA_DIR", t.TempDir())

	require.NoError(t, initializeConfig())

	cfg, err := config.NewFromViper(viper.GetViper())
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Agent.MaxTaskRounds)
}

func TestInitializeConfig_MissingFileIsNotAnError(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	require.NoError(t, initializeConfig())
	assert.Equal(t, "gemini", viper.GetString("agent.vlm.provider"))
}

func TestExploreCommand_DefaultDirective(t *testing.T) {
	c := newExploreCmd()
	flag := c.Flags().Lookup("directive")
	require.NotNil(t, flag)
	assert.Empty(t, flag.DefValue, "the fallback directive is applied at run time, not as a flag default")
}
