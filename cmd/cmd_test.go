package cmd

import (
	"bytes"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"os"
	"strings"
	"testing"
)

// clearEnv empties the environment for the duration of the test
func clearEnv(t *testing.T) {
	t.Helper()
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				_ = os.Setenv(parts[0], parts[1])
			}
		},
	)
	os.Clearenv()
}

// execute runs the root command with args, returning its output
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.ErrOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
			rootCmd.SetIn(os.Stdin)
			configFile = ""
			viper.Reset()
		},
	)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

// useTempDatabase points EVC_DATABASE at a fresh sqlite file
func useTempDatabase(t *testing.T) string {
	t.Helper()
	path := t.TempDir() + "/evc.sqlite3"
	require.NoError(t, os.Setenv("EVC_DATABASE", path))
	require.NoError(t, os.Setenv("EVC_DATABASE_TYPE", "sqlite"))
	require.NoError(t, os.Setenv("EVC_LOG_LEVEL", "ERROR"))
	require.NoError(t, os.Setenv("EVC_DATABASE_LOG_LEVEL", "ERROR"))
	return path
}
