package logger

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel_AllBranches(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"trace", "trace"},
		{"debug", "debug"},
		{"info", "info"},
		{"warn", "warn"},
		{"warning", "warn"},
		{"error", "error"},
		{"off", "disabled"},
		{"", "info"},
		{"   nonsense   ", "info"},
	}
	for _, c := range cases {
		lvl := parseLevel(c.in)
		assert.Equal(t, c.want, strings.ToLower(lvl.String()), "parseLevel(%q)", c.in)
	}
}

func TestNew_JSONIncludesServiceAndStaticFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{
		Level:        "debug",
		Format:       "json",
		Service:      "tillsync-test",
		Writer:       &buf,
		StaticFields: map[string]string{"device": "till-1"},
	})

	log.Info().Str("k", "v").Msg("hello")

	out := buf.String()
	assert.Contains(t, out, `"service":"tillsync-test"`)
	assert.Contains(t, out, `"device":"till-1"`)
	assert.Contains(t, out, `"message":"hello"`)
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: "warn", Format: "json", Writer: &buf})

	log.Info().Msg("quiet")
	log.Warn().Msg("loud")

	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), "loud")
}

func TestInit_NamedAndContext(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{Level: "info", Format: "json", Writer: &buf})
	t.Cleanup(func() { Init(Options{Level: "off"}) })

	Named("syncqueue").Info().Msg("named-msg")

	ctx := WithOp(WithActor(context.Background(), "u-1"), "inv-9")
	C(ctx, nil).Info().Msg("ctx-msg")

	out := buf.String()
	assert.Contains(t, out, `"component":"syncqueue"`)
	assert.Contains(t, out, `"actor_id":"u-1"`)
	assert.Contains(t, out, `"op_id":"inv-9"`)
}

func TestWithActor_EmptyIsNoop(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctx, WithActor(ctx, ""))
	assert.Equal(t, ctx, WithOp(ctx, ""))
}
