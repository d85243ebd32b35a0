package prompt

import (
	"fmt"
	"strings"
	"text/template"

	"govdoc-chat/internal/model"
)

// The three prompts of a turn: question condensation, grounded answering over
// retrieved passages, and the explicit no-documents fallback. The grounded and
// ungrounded prompts are deliberately separate templates: the ungrounded one
// must instruct the model not to fabricate sourced claims.

const condenseText = `Given the following conversation and a follow up question, rephrase the follow up question to be a standalone question.

Chat history:
{{range .History}}{{.Role}}: {{.Content}}
{{end}}
Follow up question: {{.Question}}
Standalone question:`

const groundedText = `Use the following passages and the chat history to answer the user's question.
Each passage has a NAME which is the title of the document. After your answer, leave a blank line and then give the source name of the passages you answered from. Put them in a comma separated list, prefixed with SOURCES:.

Example:

Question: What is the meaning of life?
Response:
The meaning of life is 42.

SOURCES: Hitchhiker's Guide to the Galaxy

If you don't know the answer, just say that you don't know, don't try to make up an answer.

----
{{range .Passages}}
---
NAME: {{.Metadata.Name}}
PASSAGE:
{{.Content}}
---
{{end}}
----
Chat history:
{{range .History}}{{.Role}}: {{.Content}}
{{end}}
Question: {{.Question}}
Response:`

const ungroundedText = `No documents relevant to the user's question were found in the knowledge base.
Answer the user's question from general knowledge, and start your response by stating that no matching documents were found. Do not cite sources and do not invent document names.

Chat history:
{{range .History}}{{.Role}}: {{.Content}}
{{end}}
Question: {{.Question}}
Response:`

var (
	condenseTmpl   = template.Must(template.New("condense_question").Parse(condenseText))
	groundedTmpl   = template.Must(template.New("rag").Parse(groundedText))
	ungroundedTmpl = template.Must(template.New("no_rag").Parse(ungroundedText))
)

type turnData struct {
	Question string
	History  []model.ChatMessage
	Passages []model.Passage
}

// Condense renders the prompt that rewrites a follow-up question into a
// standalone one using the full session history.
func Condense(question string, history []model.ChatMessage) (string, error) {
	return render(condenseTmpl, turnData{Question: question, History: history})
}

// Grounded renders the answering prompt embedding the retrieved passages.
func Grounded(question string, passages []model.Passage, history []model.ChatMessage) (string, error) {
	return render(groundedTmpl, turnData{Question: question, History: history, Passages: passages})
}

// Ungrounded renders the answering prompt for the zero-passages branch.
func Ungrounded(question string, history []model.ChatMessage) (string, error) {
	return render(ungroundedTmpl, turnData{Question: question, History: history})
}

func render(tmpl *template.Template, data turnData) (string, error) {
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render %s prompt failed: %w", tmpl.Name(), err)
	}
	return b.String(), nil
}
