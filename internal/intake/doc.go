// Package intake turns free-text swap requests such as
// "0x19f3…B00E I am sending 1 USDC for 1 EURC" into structured orders.
// PatternParser handles the canonical phrasing locally; the openai
// subpackage delegates extraction to a chat-completions model.
package intake
