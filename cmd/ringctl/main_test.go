package main

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

type fakeClient struct {
	down map[string]bool
}

func (f fakeClient) GetState(_ context.Context, address string) (*structpb.Struct, error) {
	if f.down[address] {
		return nil, errors.New("unavailable")
	}
	return structpb.NewStruct(map[string]any{"joining": false})
}

func (f fakeClient) Route(_ context.Context, address, path string) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"path": path, "decision": "local"})
}

func (f fakeClient) Ping(_ context.Context, address, message string) (string, error) {
	return "pong: " + message, nil
}

func TestExecute(t *testing.T) {
	ctx := context.Background()
	client := fakeClient{down: map[string]bool{"b:1": true}}

	t.Run("state", func(t *testing.T) {
		var out bytes.Buffer
		require.Equal(t, 0, execute(ctx, client, []string{"a:1"}, []string{"state"}, &out))
		assert.Contains(t, out.String(), "# a:1")
		assert.Contains(t, out.String(), `"joining": false`)
	})

	t.Run("route", func(t *testing.T) {
		var out bytes.Buffer
		require.Equal(t, 0, execute(ctx, client, []string{"a:1"}, []string{"route", "/dynamic/x"}, &out))
		assert.Contains(t, out.String(), `"path": "/dynamic/x"`)

		assert.Equal(t, 1, execute(ctx, client, []string{"a:1"}, []string{"route"}, &out))
	})

	t.Run("ping joins words", func(t *testing.T) {
		var out bytes.Buffer
		require.Equal(t, 0, execute(ctx, client, []string{"a:1", " "}, []string{"ping", "hello", "ring"}, &out))
		assert.Equal(t, "a:1: pong: hello ring\n", out.String())
	})

	t.Run("one failing peer fails the run", func(t *testing.T) {
		var out bytes.Buffer
		assert.Equal(t, 1, execute(ctx, client, []string{"a:1", "b:1"}, []string{"state"}, &out))
		assert.Contains(t, out.String(), "# a:1")
	})

	t.Run("unknown command", func(t *testing.T) {
		assert.Equal(t, 1, execute(ctx, client, []string{"a:1"}, []string{"bogus"}, &bytes.Buffer{}))
	})

	t.Run("no command", func(t *testing.T) {
		assert.Equal(t, 2, execute(ctx, client, []string{"a:1"}, nil, &bytes.Buffer{}))
	})
}
