package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantNil bool
		wantErr bool
	}{
		{name: "empty provider", cfg: Config{}, wantNil: true},
		{name: "none", cfg: Config{Provider: "none"}, wantNil: true},
		{name: "openai without key", cfg: Config{Provider: "openai"}, wantErr: true},
		{name: "openai", cfg: Config{Provider: "OpenAI", APIKey: "sk-test", Model: "gpt-4o"}},
		{name: "unknown", cfg: Config{Provider: "carrier-pigeon"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, client)
				return
			}
			require.NotNil(t, client)
			assert.Equal(t, "openai:gpt-4o", client.Name())
		})
	}
}

func TestStatic(t *testing.T) {
	s := &Static{Responses: []string{"first", "second"}}
	ctx := context.Background()

	out, err := s.Complete(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "first", out)

	out, _ = s.Complete(ctx, "b")
	assert.Equal(t, "second", out)

	out, _ = s.Complete(ctx, "c")
	assert.Equal(t, "second", out)
	assert.Equal(t, []string{"a", "b", "c"}, s.Prompts)

	failing := &Static{Err: errors.New("quota")}
	_, err = failing.Complete(ctx, "x")
	assert.EqualError(t, err, "quota")

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.Complete(canceled, "x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStripCodeFence(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"  SELECT 1\n", "SELECT 1"},
		{"```sql\nSELECT 1\n```", "SELECT 1"},
		{"```\nSELECT *\nFROM t\n```", "SELECT *\nFROM t"},
		{"```", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, StripCodeFence(tt.in))
	}
}
