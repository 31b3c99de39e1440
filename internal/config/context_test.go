package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContext_IsEmpty(t *testing.T) {
	tests := []struct {
		name string
		ctx  Context
		want bool
	}{
		{name: "empty context", ctx: Context{}, want: true},
		{name: "title without id", ctx: Context{ConversationTitle: "Ana Lopez"}, want: true},
		{name: "with conversation", ctx: Context{ConversationID: 7}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.ctx.IsEmpty())
		})
	}
}

func TestContext_String(t *testing.T) {
	tests := []struct {
		name string
		ctx  Context
		want string
	}{
		{name: "empty", ctx: Context{}, want: "(no context set)"},
		{name: "id only", ctx: Context{ConversationID: 7}, want: "conversation:7"},
		{name: "with title", ctx: Context{ConversationID: 7, ConversationTitle: "Ana Lopez"}, want: "conversation:Ana Lopez"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.ctx.String())
		})
	}
}

func TestContext_SetAndClear(t *testing.T) {
	ctx := &Context{}
	ctx.SetConversation(7, "Ana Lopez")
	require.Equal(t, int64(7), ctx.ConversationID)
	require.False(t, ctx.UpdatedAt.IsZero())

	ctx.Clear()
	require.True(t, ctx.IsEmpty())
	require.Empty(t, ctx.ConversationTitle)
}

func TestContextStore_LoadSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "context.yaml")
	store := NewContextStore(path)
	require.Equal(t, path, store.Path())

	loaded, err := store.Load()
	require.NoError(t, err)
	require.True(t, loaded.IsEmpty())

	ctx := &Context{}
	ctx.SetConversation(7, "Ana Lopez")
	require.NoError(t, store.Save(ctx))

	loaded, err = store.Load()
	require.NoError(t, err)
	require.Equal(t, int64(7), loaded.ConversationID)
	require.Equal(t, "Ana Lopez", loaded.ConversationTitle)

	require.NoError(t, store.Clear())
	require.NoError(t, store.Clear())
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestContextStore_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "context.yaml")
	require.NoError(t, os.WriteFile(path, []byte("conversation: [unclosed"), 0o644))

	_, err := NewContextStore(path).Load()
	require.Error(t, err)
}

func TestNewContextStore_DefaultPath(t *testing.T) {
	store := NewContextStore("")
	require.Equal(t, "context.yaml", filepath.Base(store.Path()))
	require.Equal(t, "gardenchat", filepath.Base(filepath.Dir(store.Path())))
}
