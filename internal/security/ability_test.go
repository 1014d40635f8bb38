package security

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeAbilities(t *testing.T) {
	require.Equal(t, "post.update", NormalizeAbility("  POST.Update\t"))
	require.Equal(t, []string{"a.read", "b.write"}, NormalizeAbilities([]string{"A.read", "", "a.READ", " b.write "}))
	require.Empty(t, NormalizeAbilities(nil))
}
