package llm

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const (
	// tokensPerMessage covers the role marker and framing tokens the chat
	// format wraps around every message.
	tokensPerMessage = 4

	// tokensPerReply covers the assistant priming tokens of the reply.
	tokensPerReply = 3

	// defaultMaxTokens is the completion budget assumed when a request does
	// not set one.
	defaultMaxTokens = 1000

	// fallbackEncoding is used for models tiktoken does not know.
	fallbackEncoding = "cl100k_base"
)

// encoderCache holds one encoder per model; building an encoding table is
// expensive and the worker estimates on every request.
var encoderCache sync.Map // model → *tiktoken.Tiktoken

// encoderFor returns the tiktoken encoder for model, falling back to the
// generic cl100k_base encoding for unknown models.
func encoderFor(model string) *tiktoken.Tiktoken {
	if enc, ok := encoderCache.Load(model); ok {
		return enc.(*tiktoken.Tiktoken)
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		slog.Debug("unknown model for token encoding, using fallback",
			"model", model, "fallback", fallbackEncoding)
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			// cl100k_base ships with the library; this cannot fail at runtime.
			panic("llm: load fallback token encoding: " + err.Error())
		}
	}
	encoderCache.Store(model, enc)
	return enc
}

// EstimateTokens predicts the total token budget a completion request needs:
// the encoded length of every message plus per-message framing, reply
// priming, and the completion allowance itself. Used as the broker lock
// amount, so it intentionally errs on the generous side.
func EstimateTokens(msgs []Message, model string, maxTokens int) int {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	enc := encoderFor(model)

	total := 0
	for _, m := range msgs {
		total += len(enc.Encode(m.Content, nil, nil))
		total += len(enc.Encode(m.Role, nil, nil))
		total += tokensPerMessage
	}
	total += tokensPerReply
	total += maxTokens
	return total
}
