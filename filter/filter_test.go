package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate_Comparisons(t *testing.T) {
	ctx := Context{
		"ip.src.country": "CA",
		"tier":           "gold",
		"requested":      float64(42),
	}

	cases := []struct {
		expr string
		want bool
	}{
		{`ip.src.country ne "US"`, true},
		{`ip.src.country == "CA"`, true},
		{`ip.src.country == "US"`, false},
		{`tier in ["gold", "platinum"]`, true},
		{`tier in ["silver"]`, false},
		{`requested > 10`, true},
		{`requested <= 42`, true},
		{`requested < 10`, false},
		{`not (tier == "gold")`, false},
		{`tier == "gold" and requested > 10`, true},
		{`tier == "silver" or requested > 10`, true},
		{`tier == "silver" or requested < 10`, false},
	}

	for _, tc := range cases {
		got, err := Evaluate(tc.expr, ctx)
		require.NoErrorf(t, err, "expr %q", tc.expr)
		assert.Equalf(t, tc.want, got, "expr %q", tc.expr)
	}
}

func TestEvaluate_Matches(t *testing.T) {
	ctx := Context{"ua": "Googlebot/2.1"}
	got, err := Evaluate(`ua matches ("(?i)bot")`, ctx)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = Evaluate(`ua matches ("^Mozilla")`, ctx)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestEvaluate_BracketHeaders(t *testing.T) {
	ctx := Context{
		"http": map[string]interface{}{
			"request": map[string]interface{}{
				"headers": map[string]interface{}{
					"user-agent": "curl/8.0",
				},
			},
		},
	}
	got, err := Evaluate(`http.request.headers["user-agent"] == "curl/8.0"`, ctx)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluate_UnknownIdentIsFalsy(t *testing.T) {
	got, err := Evaluate(`missing == "x"`, Context{})
	require.NoError(t, err)
	assert.False(t, got)
}

func TestCompileSafe_RejectsCatastrophicShapes(t *testing.T) {
	for _, pattern := range []string{"(a+)+", "(a*)*b", "(a+){2,5}"} {
		_, err := CompileSafe(pattern)
		assert.Errorf(t, err, "pattern %q should be rejected", pattern)
	}
}

func TestCompileSafe_RejectsOversizedPattern(t *testing.T) {
	big := make([]byte, MaxPatternLength+1)
	for i := range big {
		big[i] = 'a'
	}
	_, err := CompileSafe(string(big))
	assert.Error(t, err)
}

func TestResolveIdent_PrototypeSafety(t *testing.T) {
	ctx := Context{"__proto__": "leaked"}
	got, err := Evaluate(`__proto__ == "leaked"`, ctx)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestParse_NoHostExecutionPath(t *testing.T) {
	// There is no "call" production in the grammar, so parenthesized
	// identifiers never become function invocations.
	node, err := Parse(`(tier)`)
	require.NoError(t, err)
	_, ok := node.(IdentNode)
	assert.True(t, ok)
}
