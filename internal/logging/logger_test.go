package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestWithConversation(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf).With().Str("component", "messaging").Logger()

	logger := WithConversation(base, 7)
	logger.Warn().Msg("history fetch failed")

	out := buf.String()
	require.Contains(t, out, `"component":"messaging"`)
	require.Contains(t, out, `"conversation_id":7`)
	require.Contains(t, out, `"message":"history fetch failed"`)
}
