package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJCSKeyOrdering(t *testing.T) {
	a, err := JCS(map[string]interface{}{"b": 1, "a": 2})
	require.NoError(t, err)
	require.JSONEq(t, `{"a":2,"b":1}`, string(a))
	require.Equal(t, `{"a":2,"b":1}`, string(a))
}

func TestJCSDeterministic(t *testing.T) {
	type rec struct {
		Zeta  string `json:"zeta"`
		Alpha int    `json:"alpha"`
	}
	h1, err := CanonicalHash(rec{Zeta: "z", Alpha: 1})
	require.NoError(t, err)
	h2, err := CanonicalHash(rec{Alpha: 1, Zeta: "z"})
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestFingerprint128Length(t *testing.T) {
	fp, err := Fingerprint128(map[string]string{"k": "v"})
	require.NoError(t, err)
	require.Len(t, fp, 32)
}

func TestNormalizeIDFoldsCodePointVariants(t *testing.T) {
	// U+00E9 (é precomposed) vs U+0065 U+0301 (e + combining acute).
	precomposed := "caf\u00e9"
	decomposed := "cafe\u0301"
	require.NotEqual(t, precomposed, decomposed)
	require.Equal(t, NormalizeID(precomposed), NormalizeID(decomposed))
	require.Equal(t, "agent-a", NormalizeID("agent-a"))
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	b, err := JCS(map[string]string{"html": "<b>&</b>"})
	require.NoError(t, err)
	require.Contains(t, string(b), "<b>&</b>")
}
