// Package stream parses the line-delimited JSON protocol emitted by
// supervised agent subprocesses and classifies each line into exactly one
// typed Message.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
)

const maxLineSize = 1024 * 1024 // 1 MB

// Parse reads NDJSON lines from r and sends parsed events on the returned
// channel. The channel is closed when the reader reaches EOF or the context
// is cancelled. Malformed lines are delivered with Err set and the raw line
// preserved; they never stop the stream.
func Parse(ctx context.Context, r io.Reader) <-chan RawEvent {
	ch := make(chan RawEvent, 64)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, maxLineSize), maxLineSize)

		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}

			raw := make([]byte, len(line))
			copy(raw, line)

			var ev Event
			if err := json.Unmarshal(raw, &ev); err != nil {
				ch <- RawEvent{Raw: raw, Err: err}
				continue
			}

			ch <- RawEvent{Raw: raw, Parsed: ev}
		}

		if err := scanner.Err(); err != nil {
			ch <- RawEvent{Err: err}
		}
	}()
	return ch
}

// Classify turns one RawEvent into exactly one Message. It never panics on
// malformed input: lines that failed JSON parsing become NonJSON messages
// carrying the raw text, and unrecognized discriminators pass through as
// Unknown.
func Classify(ev RawEvent) Message {
	if ev.Err != nil || ev.Parsed.Type == "" {
		return Message{Kind: KindNonJSON, Raw: ev.Raw, Text: string(ev.Raw)}
	}

	p := ev.Parsed
	msg := Message{Raw: ev.Raw, SessionID: p.SessionID}

	switch p.Type {
	case "system":
		msg.Kind = KindSystem
		msg.Text = p.Subtype

	case "assistant":
		var (
			textParts  string
			toolName   string
			toolInput  json.RawMessage
			sawToolUse bool
		)
		if p.Message != nil {
			for _, block := range p.Message.Content {
				switch block.Type {
				case "text":
					textParts += block.Text
				case "tool_use":
					// Only the first tool_use block determines the
					// message kind; multiple tool calls in one line
					// still yield exactly one Message.
					if !sawToolUse {
						toolName = block.Name
						toolInput = block.Input
					}
					sawToolUse = true
				}
			}
		}
		if sawToolUse {
			msg.Kind = KindAssistantToolUse
			msg.ToolName = toolName
			msg.ToolInput = toolInput
			msg.Text = textParts
		} else {
			msg.Kind = KindAssistantText
			msg.Text = textParts
			msg.AwaitingInput = true
		}

	case "user":
		msg.Kind = KindUserToolResult
		if p.Message != nil {
			for _, block := range p.Message.Content {
				if block.Type != "tool_result" {
					continue
				}
				msg.ToolUseID = block.ToolUseID
				msg.ToolIsError = block.IsError
				msg.Text = toolResultText(block.Content)
				break
			}
		}

	case "result":
		msg.Kind = KindResult
		msg.Text = p.ResultText
		msg.IsError = p.IsError
		if p.Usage != nil {
			msg.InputTokens = p.Usage.InputTokens
			msg.OutputTokens = p.Usage.OutputTokens
			msg.CostUSD = Cost(p.Usage.InputTokens, p.Usage.OutputTokens)
		}
		if p.TotalCostUSD > 0 {
			msg.CostUSD = p.TotalCostUSD
		}

	default:
		msg.Kind = KindUnknown
		msg.Text = p.Type
	}

	return msg
}

// toolResultText extracts a plain string from a tool_result content field,
// which may be a JSON string or an array of content blocks.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var out string
		for _, b := range blocks {
			if b.Type == "text" {
				out += b.Text
			}
		}
		return out
	}
	return string(raw)
}
