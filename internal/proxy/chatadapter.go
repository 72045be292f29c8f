package proxy

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ChatToResponses best-effort translates a /v1/chat/completions request
// body into the /responses input shape, so that route is reachable end to
// end without a full translation layer. It flattens the chat messages
// array into the Responses API's "input" field and carries model/stream
// through unchanged; anything the chat body doesn't set is left at the
// Responses API's own defaults.
func ChatToResponses(chatBody []byte) []byte {
	out := []byte(`{}`)

	if model := gjson.GetBytes(chatBody, "model"); model.Exists() {
		out, _ = sjson.SetBytes(out, "model", model.String())
	}
	if stream := gjson.GetBytes(chatBody, "stream"); stream.Exists() {
		out, _ = sjson.SetBytes(out, "stream", stream.Bool())
	}

	messages := gjson.GetBytes(chatBody, "messages")
	if messages.IsArray() {
		input := make([]map[string]string, 0, len(messages.Array()))
		for _, msg := range messages.Array() {
			input = append(input, map[string]string{
				"role":    msg.Get("role").String(),
				"content": flattenContent(msg.Get("content")),
			})
		}
		out, _ = sjson.SetBytes(out, "input", input)
	}

	return out
}

// flattenContent collapses chat/completions' string-or-content-part-array
// message content into a single string, since the Responses API's minimal
// input shape here only needs the text.
func flattenContent(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		var text string
		for _, part := range content.Array() {
			if part.Get("type").String() == "text" {
				text += part.Get("text").String()
			}
		}
		return text
	}
	return ""
}
