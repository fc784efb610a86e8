package translator

import (
	"strings"
)

const systemPrompt = `You translate clinical questions into a single read-only SQLite SELECT statement.
Rules:
- Use only the tables and columns from the schema provided.
- Never generate INSERT, UPDATE, DELETE, DROP, ALTER, CREATE, or PRAGMA.
- Produce exactly one statement with no trailing semicolon.
- Respond with JSON: {"sql": "<statement>", "confidence": <0.0-1.0>}.
- If the question cannot be answered from the schema, respond with {"sql": "", "confidence": 0.0}.`

func buildUserPrompt(question, schemaText string) string {
	var b strings.Builder
	b.WriteString("Database schema:\n")
	b.WriteString(schemaText)
	b.WriteString("\n\nQuestion: ")
	b.WriteString(strings.TrimSpace(question))
	return b.String()
}
