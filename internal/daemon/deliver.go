package daemon

import (
	"context"
	"unicode/utf8"

	"github.com/nous-labs/relay/pkg/channel"
)

// longResponseNotice precedes the chunks of a split response.
const longResponseNotice = "(Long response, sending in parts)"

// Deliver sends text through ix. Text within maxChunk characters goes out
// as one message; longer text is announced and then sent as consecutive
// chunks. Delivery stops at the first send failure.
func Deliver(ctx context.Context, ix channel.Interaction, text string, maxChunk int) (int, error) {
	if utf8.RuneCountInString(text) <= maxChunk {
		if err := ix.Respond(ctx, channel.Response{Content: text}); err != nil {
			return 0, err
		}
		return 1, nil
	}

	if err := ix.Respond(ctx, channel.Response{Content: longResponseNotice}); err != nil {
		return 0, err
	}
	sent := 1
	for _, chunk := range SplitMessage(text, maxChunk) {
		if err := ix.Respond(ctx, channel.Response{Content: chunk}); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// SplitMessage cuts s into consecutive pieces of at most maxLen characters.
// Cuts fall on character boundaries only; joining the pieces gives back s.
func SplitMessage(s string, maxLen int) []string {
	if maxLen <= 0 {
		return []string{s}
	}
	var chunks []string
	for utf8.RuneCountInString(s) > maxLen {
		cut, n := 0, 0
		for cut < len(s) && n < maxLen {
			_, size := utf8.DecodeRuneInString(s[cut:])
			cut += size
			n++
		}
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	if len(s) > 0 {
		chunks = append(chunks, s)
	}
	return chunks
}
