package gateway

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEstimateTokens(t *testing.T) {
	require.EqualValues(t, 0, EstimateTokens(""))
	require.EqualValues(t, 0, EstimateTokens("   "))
	require.EqualValues(t, 1, EstimateTokens("abcd"))
	require.EqualValues(t, 2, EstimateTokens("abcde"))
}

func TestEstimateInputTokens_ChatCompletionsShape(t *testing.T) {
	body := []byte(`{"messages":[{"role":"user","content":"hello world"}]}`)
	got := EstimateInputTokens(ShapeChatCompletions, body)
	require.Equal(t, EstimateTokens("hello world\n"), got)
}

func TestEstimateInputTokens_ResponsesShapeCombinesInstructionsAndInput(t *testing.T) {
	body := []byte(`{"instructions":"be terse","input":"what time is it"}`)
	got := EstimateInputTokens(ShapeResponses, body)
	require.Equal(t, EstimateTokens("be terse\nwhat time is it\n"), got)
}

func TestEstimateInputTokens_InvalidBodyReturnsZero(t *testing.T) {
	require.EqualValues(t, 0, EstimateInputTokens(ShapeOther, nil))
	require.EqualValues(t, 0, EstimateInputTokens(ShapeOther, []byte("not json")))
}

func TestEstimateOutputTokens(t *testing.T) {
	require.Equal(t, EstimateTokens("a response"), EstimateOutputTokens("a response"))
}
