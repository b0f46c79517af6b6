package cmd

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usapopopooon/ephemeral-vc/ephemeralvc"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	clearEnv(t)
	originalVersion := ephemeralvc.Version
	originalCommitSHA := ephemeralvc.CommitSHA
	originalBuildTime := ephemeralvc.BuildTime

	t.Cleanup(
		func() {
			ephemeralvc.Version = originalVersion
			ephemeralvc.CommitSHA = originalCommitSHA
			ephemeralvc.BuildTime = originalBuildTime
		},
	)

	ephemeralvc.Version = "1.0.0"
	ephemeralvc.CommitSHA = "abc123"
	ephemeralvc.BuildTime = "2024-06-01T12:00:00Z"

	output, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "version=1.0.0 commit=abc123 built: 2024-06-01T12:00:00Z\n", output)
}
