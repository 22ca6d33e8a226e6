package tool

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/monkey/pkg/types"
)

func echoTool() Definition {
	return Definition{
		Name:         "echo",
		Language:     LanguageJavaScript,
		Source:       "return args.input;",
		InputSchema:  []Parameter{{Name: "input", Type: TypeString, Required: true}},
		OutputSchema: OutputSchema{Type: TypeString},
	}
}

func TestParseLanguage(t *testing.T) {
	tests := []struct {
		in      string
		want    Language
		wantErr bool
	}{
		{"python", LanguagePython, false},
		{"PY", LanguagePython, false},
		{"js", LanguageJavaScript, false},
		{"javascript", LanguageJavaScript, false},
		{"ruby", "", true},
	}
	for _, tt := range tests {
		got, err := ParseLanguage(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Definition)
		wantErr string
	}{
		{"valid", func(*Definition) {}, ""},
		{"bad name", func(d *Definition) { d.Name = "1bad" }, "tool name"},
		{"bad language", func(d *Definition) { d.Language = "ruby" }, "unsupported language"},
		{"empty source", func(d *Definition) { d.Source = "  " }, "source cannot be empty"},
		{"negative timeout", func(d *Definition) { d.TimeoutMs = -1 }, "timeoutMs"},
		{"bad param type", func(d *Definition) { d.InputSchema[0].Type = "date" }, "unsupported type"},
		{"dup param", func(d *Definition) {
			d.InputSchema = append(d.InputSchema, Parameter{Name: "input", Type: TypeString})
		}, "duplicate parameter"},
		{"bad default", func(d *Definition) { d.InputSchema[0].Default = 3.0 }, "default does not match"},
		{"bad output", func(d *Definition) { d.OutputSchema.Type = "date" }, "unsupported output type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := echoTool()
			tt.mutate(&def)
			err := def.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	def := Definition{Name: "x", Language: "cobol", Source: ""}
	err := def.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported language")
	assert.Contains(t, err.Error(), "source cannot be empty")
}

func TestNormalize(t *testing.T) {
	def := Definition{Name: "t", Language: "py", Source: "result = 1"}.Normalize(5000)
	assert.Equal(t, LanguagePython, def.Language)
	assert.Equal(t, 5000, def.TimeoutMs)
	assert.Equal(t, TypeAny, def.OutputSchema.Type)
	assert.NotNil(t, def.InputSchema)
}

func TestBindInput(t *testing.T) {
	def := Definition{
		Name: "search",
		InputSchema: []Parameter{
			{Name: "query", Type: TypeString, Required: true},
			{Name: "limit", Type: TypeInteger, Default: 10.0},
			{Name: "exact", Type: TypeBoolean},
		},
	}

	t.Run("object with defaults", func(t *testing.T) {
		args, err := def.BindInput(map[string]any{"query": "go"})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"query": "go", "limit": 10.0}, args)
	})

	t.Run("missing required", func(t *testing.T) {
		_, err := def.BindInput(map[string]any{"limit": 3.0})
		require.Error(t, err)
		assert.True(t, errors.Is(err, types.ErrValidation))
		assert.Contains(t, err.Error(), `missing required parameter "query"`)
	})

	t.Run("wrong type", func(t *testing.T) {
		_, err := def.BindInput(map[string]any{"query": "go", "limit": 2.5})
		require.Error(t, err)
		assert.Contains(t, err.Error(), `parameter "limit" must be integer, got number`)
	})

	t.Run("unknown parameter", func(t *testing.T) {
		_, err := def.BindInput(map[string]any{"query": "go", "page": 2.0})
		require.Error(t, err)
		assert.Contains(t, err.Error(), `unknown parameter "page"`)
	})

	t.Run("scalar rejected for multi-parameter tool", func(t *testing.T) {
		_, err := def.BindInput("go")
		require.Error(t, err)
		assert.Equal(t, types.KindValidation, types.KindOf(err))
	})

	t.Run("input is not mutated", func(t *testing.T) {
		in := map[string]any{"query": "go"}
		_, err := def.BindInput(in)
		require.NoError(t, err)
		assert.Len(t, in, 1)
	})
}

func TestBindInputScalarForSingleParameter(t *testing.T) {
	args, err := echoTool().BindInput("hi")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"input": "hi"}, args)

	_, err = echoTool().BindInput(42.0)
	require.Error(t, err)
	assert.Equal(t, types.KindValidation, types.KindOf(err))
}

func TestCheckOutput(t *testing.T) {
	tests := []struct {
		typ   Type
		value any
		ok    bool
	}{
		{TypeAny, map[string]any{"a": 1}, true},
		{"", nil, true},
		{TypeString, "hi", true},
		{TypeString, 1.0, false},
		{TypeString, nil, false},
		{TypeInteger, 3.0, true},
		{TypeInteger, 3.5, false},
		{TypeNumber, 3.5, true},
		{TypeBoolean, true, true},
		{TypeObject, map[string]any{}, true},
		{TypeArray, []any{1.0}, true},
		{TypeArray, "x", false},
		{TypeNull, nil, true},
		{TypeNull, "x", false},
	}
	for _, tt := range tests {
		def := Definition{Name: "t", OutputSchema: OutputSchema{Type: tt.typ}}
		err := def.CheckOutput(tt.value)
		if tt.ok {
			assert.NoError(t, err, "%s %v", tt.typ, tt.value)
		} else {
			assert.True(t, errors.Is(err, types.ErrExecution), "%s %v", tt.typ, tt.value)
		}
	}
}

func TestEqualIgnoresVersion(t *testing.T) {
	a := echoTool()
	b := echoTool()
	b.Version = 7
	assert.True(t, a.Equal(b))

	b.Source = "return 1;"
	assert.False(t, a.Equal(b))
}

func TestEqualComparesDefaultsByValue(t *testing.T) {
	withDefault := func(v any) Definition {
		d := echoTool()
		d.InputSchema = []Parameter{{Name: "n", Type: TypeAny, Default: v}}
		return d
	}

	assert.True(t, withDefault(float64(5)).Equal(withDefault(5)), "JSON and YAML numbers")
	assert.True(t, withDefault(int64(5)).Equal(withDefault(float64(5))), "TOML and JSON numbers")
	assert.True(t, withDefault([]any{1, map[string]any{"k": int64(2)}}).Equal(
		withDefault([]any{float64(1), map[string]any{"k": float64(2)}})))

	assert.False(t, withDefault(5).Equal(withDefault(6)))
	assert.False(t, withDefault(5).Equal(withDefault("5")))
	assert.False(t, withDefault([]any{1}).Equal(withDefault([]any{1, 2})))
	assert.False(t, withDefault(map[string]any{"k": 1}).Equal(withDefault(map[string]any{"j": 1})))
	assert.False(t, withDefault(nil).Equal(withDefault(0)))
}
