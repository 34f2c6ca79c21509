package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workflow-platform/pkg/errors"
)

func constHandler(v any) NodeHandler {
	return HandlerFunc(func(context.Context, NodeInput) (any, error) { return v, nil })
}

func TestHandlerRegistry_Versions(t *testing.T) {
	r := NewHandlerRegistry()
	require.NoError(t, r.Register("http", 1, constHandler("v1")))
	require.NoError(t, r.Register("http", 3, constHandler("v3")))
	require.NoError(t, r.Register("set", 0, constHandler("set")))

	h, err := r.Resolve("http", 0)
	require.NoError(t, err)
	out, _ := h.Execute(context.Background(), NodeInput{})
	assert.Equal(t, "v3", out, "version 0 resolves to the latest")

	h, err = r.Resolve("http", 1)
	require.NoError(t, err)
	out, _ = h.Execute(context.Background(), NodeInput{})
	assert.Equal(t, "v1", out)

	_, err = r.Resolve("http", 2)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	_, err = r.Resolve("ftp", 0)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	_, err = r.Resolve("set", 1)
	assert.NoError(t, err)
	assert.Equal(t, []string{"http", "set"}, r.Types())
	assert.Error(t, r.Register("", 1, constHandler(nil)))
	assert.Error(t, r.Register("x", 1, nil))
}
