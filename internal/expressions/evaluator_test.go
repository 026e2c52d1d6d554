package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conveyor/internal/store"
)

type stubScope map[store.ContextElementType]store.ContextElement

func (s stubScope) TopElement(t store.ContextElementType) (store.ContextElement, bool) {
	el, ok := s[t]
	return el, ok
}

func newTestEvaluator() *Evaluator {
	return NewEvaluator(NewExprEngine(), NewElementProcessorFactory(nil))
}

func testContextMap() map[string]any {
	return map[string]any{
		"app": "billing",
		"env": "prod",
		"Build__Artifact": map[string]any{
			"artifact": "billing-1.4.2.tar.gz",
			"status":   "SUCCESS",
		},
		"Deploy": map[string]any{
			"replicas": 3,
			"url":      "https://${app}.${env}.example.com",
		},
	}
}

func TestNormalizeName(t *testing.T) {
	tests := map[string]string{
		"Deploy":          "Deploy",
		"Build Artifact":  "Build__Artifact",
		"Build.Artifact":  "Build__Artifact",
		"a+b|c*d/e&f$g'h": "a__b__c__d__e__f__g__h",
		`say "hi"`:        "say____hi__",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeName(in), in)
	}
}

// --- Merge Tests ---

func TestMerge(t *testing.T) {
	ev := newTestEvaluator()
	ctx := context.Background()
	data := testContextMap()

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"plain text", "no references", "no references"},
		{"top level", "deploy ${app} to ${env}", "deploy billing to prod"},
		{"state data", "${Build__Artifact.artifact}", "billing-1.4.2.tar.gz"},
		{"normalized state name", "${Build Artifact.artifact}", "billing-1.4.2.tar.gz"},
		{"default prefix", "replicas=${replicas}", "replicas=3"},
		{"nested references", "${url}", "https://billing.prod.example.com"},
		{"unresolved kept", "${missing.value}", "${missing.value}"},
		{"expression", "${replicas + 1}", "4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ev.Merge(ctx, tt.template, data, "Deploy"))
		})
	}
}

func TestRender_Processors(t *testing.T) {
	ev := newTestEvaluator()
	scope := stubScope{
		store.ElementHost: {Type: store.ElementHost, Name: "web-1", Values: map[string]any{"ip": "10.0.0.1"}},
	}

	got := ev.Render(context.Background(), "ssh ${host.name} (${host.ip}) ${service.name}", testContextMap(), "Deploy", scope)
	assert.Equal(t, "ssh web-1 (10.0.0.1) ${service.name}", got)
}

// --- Resolve Tests ---

func TestResolve(t *testing.T) {
	ev := newTestEvaluator()
	ctx := context.Background()
	data := testContextMap()

	tests := []struct {
		name string
		expr string
		want any
	}{
		{"single reference keeps type", "${replicas}", 3},
		{"comparison", `${Build__Artifact.status} == "SUCCESS"`, true},
		{"normalized name", `${Build Artifact.status} == "SUCCESS"`, true},
		{"arithmetic over references", "${replicas} * 2", 6},
		{"nested string reference", "${url}", "https://billing.prod.example.com"},
		{"no references", `app == "billing"`, true},
		{"missing reference is nil", "${nothing} == nil", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := ev.Resolve(ctx, tt.expr, data, "Deploy", nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestResolve_Processor(t *testing.T) {
	ev := newTestEvaluator()
	scope := stubScope{
		store.ElementService: {Type: store.ElementService, Name: "api", UUID: "svc-1", Values: map[string]any{"port": 8080}},
	}

	out, err := ev.Resolve(context.Background(), `${service.port} == 8080 && ${service.name} == "api"`, testContextMap(), "Deploy", scope)
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = ev.Resolve(context.Background(), "${service.uuid}", testContextMap(), "Deploy", scope)
	require.NoError(t, err)
	assert.Equal(t, "svc-1", out)
}

func TestResolve_CompileErrorSurfaces(t *testing.T) {
	ev := newTestEvaluator()
	_, err := ev.Resolve(context.Background(), "${replicas} +", testContextMap(), "Deploy", nil)
	require.Error(t, err)
}

func TestResolve_Empty(t *testing.T) {
	ev := newTestEvaluator()
	out, err := ev.Resolve(context.Background(), "  ", testContextMap(), "Deploy", nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}
