package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStdoutExporterWritesSpans(t *testing.T) {
	var buf bytes.Buffer
	tracer, shutdown, err := New("stdout", &buf)
	require.NoError(t, err)

	_, span := tracer.Start(context.Background(), "sync.tick")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, buf.String(), `"Name":"sync.tick"`)
}

func TestNoneIsNoop(t *testing.T) {
	tracer, shutdown, err := New("none", nil)
	require.NoError(t, err)
	_, span := tracer.Start(context.Background(), "x")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, shutdown(context.Background()))
}

func TestUnknownExporter(t *testing.T) {
	_, _, err := New("zipkin", nil)
	assert.Error(t, err)
}
