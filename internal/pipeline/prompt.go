package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/capitalize-ai/bookchat/internal/model"
)

// bookIntroPatterns match requests to summarize or explain the current book.
var bookIntroPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(이\s*책\s*설명해줘|책\s*(에\s*(대해|관해|관한)?\s*)?(내용|설명|소개|이야기|알려줘|알려\s*줄래|어떤\s*(책|내용)|무엇|뭐야|해줘|얘기해줘|알고\s*싶어|얘기해볼까|뭘까|설명해줘|얘기할\s*수\s*있어|알려줄래|얘기해\s*줄\s*수\s*있어|어떤\s*내용이야|어떤\s*내용|어떤\s*내용인지|어떤\s*내용일까|내용을\s*알려줘|설명을\s*알려줘))`),
	regexp.MustCompile(`(?i)\b(summari[sz]e|explain|describe|introduce|tell\s+me\s+about)\s+(this|the)\s+book\b`),
	regexp.MustCompile(`(?i)\bwhat\s+is\s+(this|the)\s+book\s+about\b`),
}

// IsBookIntroRequest reports whether text asks for an overview of the book.
func IsBookIntroRequest(text string) bool {
	for _, re := range bookIntroPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

const chatInstructions = `You are a knowledgeable and engaging book expert. Help the member explore the book they are reading with detailed insights and thoughtful questions.

Follow these guidelines:
- Discuss the book's themes, plot and characters, or whatever aspect the member asks about.
- Offer interpretation, analysis or historical context when relevant.
- End with a follow-up question that invites the member to share their own thoughts.
- Keep answers concise and conversational.
- If the member drifts away from the book, gently steer the conversation back to it.`

// BuildChatPrompt renders the prompt for an ordinary turn from the recent
// history (oldest first) and the new utterance.
func BuildChatPrompt(history []model.Message, userText, language string) string {
	var b strings.Builder

	b.WriteString(chatInstructions)
	if language != "" {
		fmt.Fprintf(&b, "\n\nRespond only in %s.", language)
	}

	b.WriteString("\n\nConversation so far:\n")
	for _, msg := range history {
		b.WriteString(speaker(msg.Sender))
		b.WriteString(": ")
		b.WriteString(msg.Text)
		b.WriteByte('\n')
	}

	fmt.Fprintf(&b, "\nMember: %s\nBook expert:", userText)
	return b.String()
}

// BuildBookIntroPrompt renders the prompt that explains a book from its title alone.
func BuildBookIntroPrompt(title, language string) string {
	prompt := fmt.Sprintf("Explain the book %q: what it is about, its main themes and its characters.", title)
	if language != "" {
		prompt += fmt.Sprintf(" Respond only in %s.", language)
	}
	return prompt
}

func speaker(s model.Sender) string {
	if s == model.SenderAssistant {
		return "Book expert"
	}
	return "Member"
}
