package telemetry

import (
	"context"
	"runtime/pprof"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeLabels(t *testing.T) {
	pairs := sanitizeLabels(map[string]string{
		ProfilingLabelRoute:  "/api/v1/reservations/:id/start-picking",
		ProfilingLabelMethod: "POST",
		"request_id":         "abc",
		"empty":              "",
		"long":               strings.Repeat("x", 200),
	})
	assert.Equal(t, []string{"long", strings.Repeat("x", MaxLabelValueLength), "method", "POST", "route", "/api/v1/reservations/:id/start-picking"}, pairs)
}

func TestWithProfilingLabels(t *testing.T) {
	var got string
	WithProfilingLabels(context.Background(), map[string]string{ProfilingLabelOperation: "rebuild"}, func(ctx context.Context) {
		got, _ = pprof.Label(ctx, ProfilingLabelOperation)
	})
	assert.Equal(t, "rebuild", got)

	called := false
	WithProfilingLabels(context.Background(), nil, func(context.Context) { called = true })
	assert.True(t, called)
}
