package fingerprint

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerive_Deterministic(t *testing.T) {
	chars := map[string]interface{}{
		"ip.src": "10.0.0.10",
		"userId": "user1",
		"tier":   "gold",
	}

	fp1, err := Derive([]string{"ip.src", "userId"}, chars)
	require.NoError(t, err)
	fp2, err := Derive([]string{"ip.src", "userId"}, chars)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)
	assert.Equal(t, "ip.src:10.0.0.10|userId:user1", fp1)
}

func TestDerive_DefaultsToIPSrc(t *testing.T) {
	chars := map[string]interface{}{"ip.src": "1.2.3.4"}
	fp, err := Derive(nil, chars)
	require.NoError(t, err)
	assert.Equal(t, "ip.src:1.2.3.4", fp)
}

func TestDerive_NoCharacteristics(t *testing.T) {
	_, err := Derive([]string{"userId"}, map[string]interface{}{"ip.src": "1.2.3.4"})
	assert.ErrorIs(t, err, ErrNoCharacteristics)
}

func TestDerive_SanitizesAndCaps(t *testing.T) {
	longVal := strings.Repeat("a", 200)
	fp, err := Derive([]string{"k"}, map[string]interface{}{"k": longVal + " space!"})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(fp), MaxComponentLength)
	assert.NotContains(t, fp, " ")
	assert.NotContains(t, fp, "!")
}

func TestDerive_TotalLengthCapped(t *testing.T) {
	chars := map[string]interface{}{}
	var by []string
	for i := 0; i < 20; i++ {
		k := "k" + string(rune('a'+i))
		chars[k] = strings.Repeat("x", 30)
		by = append(by, k)
	}
	fp, err := Derive(by, chars)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(fp), MaxLength)
	assert.Contains(t, fp, "#")
}

func TestParseInterval(t *testing.T) {
	cases := map[string]time.Duration{
		"1m":  time.Minute,
		"30s": 30 * time.Second,
		"1h":  time.Hour,
		"7d":  7 * 24 * time.Hour,
		"2w":  14 * 24 * time.Hour,
	}
	for lit, want := range cases {
		got, err := ParseInterval(lit)
		require.NoErrorf(t, err, "literal %q", lit)
		assert.Equal(t, want, got, "literal %q", lit)
	}
}

func TestParseInterval_Errors(t *testing.T) {
	for _, lit := range []string{"", "0s", "-1m", "abc", "1x"} {
		_, err := ParseInterval(lit)
		assert.Errorf(t, err, "literal %q should fail", lit)
	}
}
