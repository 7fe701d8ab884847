package parser

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imishinist/knobsweep/internal/models"
)

func TestParseJSONKnobs_MapKeepsOrder(t *testing.T) {
	t.Parallel()

	input := `{
		"AFL_NO_ARITH": [0, 1],
		"AFL_FAST_CAL": [0, 1],
		"AFL_DISABLE_TRIM": [1, 0]
	}`
	knobs, err := ParseJSONKnobs(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, models.KnobSet{"AFL_NO_ARITH", "AFL_FAST_CAL", "AFL_DISABLE_TRIM"}, knobs)
}

func TestParseJSONKnobs_List(t *testing.T) {
	t.Parallel()

	knobs, err := ParseJSONKnobs(strings.NewReader(`{"knobs": ["B", "A"]}`))
	require.NoError(t, err)
	assert.Equal(t, models.KnobSet{"B", "A"}, knobs)
}

func TestParseJSONKnobs_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
	}{
		{"not json", `{`},
		{"empty object", `{}`},
		{"non boolean values", `{"A": [0, 2]}`},
		{"single value", `{"A": [1]}`},
		{"repeated value", `{"A": [1, 1]}`},
		{"empty list", `{"knobs": []}`},
		{"duplicate list entry", `{"knobs": ["A", "A"]}`},
		{"list with extra key", `{"knobs": ["A"], "B": [0, 1]}`},
		{"array at top level", `["A", "B"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := ParseJSONKnobs(strings.NewReader(tt.input))
			assert.Error(t, err)
		})
	}
}

func TestParseYAMLKnobs(t *testing.T) {
	t.Parallel()

	knobs, err := ParseYAMLKnobs(strings.NewReader("ZETA: [0, 1]\nALPHA:\n  - 0\n  - 1\n"))
	require.NoError(t, err)
	assert.Equal(t, models.KnobSet{"ZETA", "ALPHA"}, knobs)

	knobs, err = ParseYAMLKnobs(strings.NewReader("knobs:\n  - B\n  - A\n"))
	require.NoError(t, err)
	assert.Equal(t, models.KnobSet{"B", "A"}, knobs)
}

func TestParseYAMLKnobs_Invalid(t *testing.T) {
	t.Parallel()

	for _, input := range []string{
		"- A\n- B\n",
		"A: [0, 3]\n",
		"A: yes\n",
		"knobs: [A]\nB: [0, 1]\n",
		"knobs: []\n",
	} {
		_, err := ParseYAMLKnobs(strings.NewReader(input))
		assert.Error(t, err, input)
	}
}

func TestParseKnobsFile_DispatchesOnExtension(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "afl_params.json")
	yamlPath := filepath.Join(dir, "knobs.yml")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"A": [0, 1], "B": [0, 1]}`), 0644))
	require.NoError(t, os.WriteFile(yamlPath, []byte("knobs: [C]\n"), 0644))

	knobs, err := ParseKnobsFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, models.KnobSet{"A", "B"}, knobs)

	knobs, err = ParseKnobsFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, models.KnobSet{"C"}, knobs)

	_, err = ParseKnobsFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
