package app

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInTestMode(t *testing.T) {
	t.Setenv("VERGEGATE_TEST_MODE", "1")
	RefreshTestMode()
	require.True(t, InTestMode())

	t.Setenv("VERGEGATE_TEST_MODE", "")
	RefreshTestMode()
	require.False(t, InTestMode())
}
