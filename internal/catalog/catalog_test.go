package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/controlplane/fleet/internal/authn"
)

func echoDescriptor(name, category string) ToolDescriptor {
	return ToolDescriptor{
		Name:        name,
		Description: "echoes its args",
		Category:    category,
		InputSchema: map[string]ParamSpec{"text": {Type: "string", Required: true}},
		Handler: func(ctx context.Context, args map[string]any, subject *authn.Subject) (any, error) {
			return args["text"], nil
		},
	}
}

func TestRegisterAndInvoke(t *testing.T) {
	c := New()
	require.NoError(t, c.Register(echoDescriptor("echo", "util")))

	out, err := c.Invoke(context.Background(), "echo", map[string]any{"text": "hi"}, &authn.Subject{ID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)
}

func TestRegisterDuplicateNameFails(t *testing.T) {
	c := New()
	require.NoError(t, c.Register(echoDescriptor("echo", "util")))
	err := c.Register(echoDescriptor("echo", "util"))
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestInvokeUnknownToolFails(t *testing.T) {
	c := New()
	_, err := c.Invoke(context.Background(), "ghost", nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListFiltersByCategory(t *testing.T) {
	c := New()
	require.NoError(t, c.Register(echoDescriptor("a", "search")))
	require.NoError(t, c.Register(echoDescriptor("b", "analytics")))

	search := c.List("search")
	require.Len(t, search, 1)
	assert.Equal(t, "a", search[0].Name)

	all := c.List("")
	assert.Len(t, all, 2)
}

func TestRegisterRejectsMissingHandler(t *testing.T) {
	c := New()
	err := c.Register(ToolDescriptor{Name: "broken"})
	assert.Error(t, err)
}
