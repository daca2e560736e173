package runner

import (
	"context"
	"strings"

	"crabstack.local/projects/cu-backend/internal/events"
)

// EchoRunner answers with the latest user message, one word per chunk. It
// needs no credentials and is meant for local development.
type EchoRunner struct{}

func NewEchoRunner() *EchoRunner {
	return &EchoRunner{}
}

var _ Runner = (*EchoRunner)(nil)

func (r *EchoRunner) RunTurn(ctx context.Context, turn Turn, emit func(Item) error) error {
	reply := "echo: " + latestUserText(turn.History)

	var builder strings.Builder
	for _, word := range splitKeepingSpaces(reply) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(ItemChunk{Block: events.ContentBlock{Type: events.BlockTypeText, Text: word}}); err != nil {
			return err
		}
		builder.WriteString(word)
	}

	return emit(ItemMessage{
		Role:    events.RoleAssistant,
		Content: []events.ContentBlock{{Type: events.BlockTypeText, Text: builder.String()}},
	})
}

func latestUserText(history []events.MessagePayload) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == events.RoleUser {
			return history[i].Text()
		}
	}
	return ""
}

// splitKeepingSpaces splits "a b c" into "a", " b", " c".
func splitKeepingSpaces(text string) []string {
	fields := strings.SplitAfter(text, " ")
	out := make([]string, 0, len(fields))
	carry := ""
	for _, field := range fields {
		if field == "" {
			continue
		}
		if strings.TrimSpace(field) == "" {
			carry += field
			continue
		}
		word := strings.TrimSuffix(field, " ")
		out = append(out, carry+word)
		carry = field[len(word):]
	}
	if carry != "" && len(out) > 0 {
		out[len(out)-1] += carry
	}
	return out
}
