package llm

import "strings"

// SystemPrompt frames the model as an analyst and pins the output contract.
const SystemPrompt = "You are a military analyst. Analyze the provided Ukrainian military update text " +
	"and extract attack data in the specified JSON format. Return ONLY the JSON object, no other text."

// RepairSystemPrompt is the stricter framing used for the one repair re-ask
// after a malformed response.
const RepairSystemPrompt = SystemPrompt + " Your previous reply was not valid JSON. " +
	"Respond with exactly one JSON object matching the schema, or the literal NULL. " +
	"No markdown fences, no commentary, no trailing text."

// BuildUserPrompt composes the extraction instructions around the message
// text and the JSON schema the reply must match.
func BuildUserPrompt(messageText, schemaJSON string) string {
	var b strings.Builder
	b.WriteString("You will be given a military update text reporting attacks on Ukraine by various aerial assets ")
	b.WriteString("(drones, missiles, aircraft, etc.). Extract the total number of attacking assets by type and ")
	b.WriteString("subtype as of the report date.\n\n")
	b.WriteString("Return only one JSON object matching this JSON Schema:\n")
	b.WriteString(schemaJSON)
	b.WriteString("\n\nRules:\n")
	b.WriteString("- 'date' must be the date of the report or attack described (YYYY-MM-DD).\n")
	b.WriteString("- 'counts' must list each distinct attacking asset type with its total number.\n")
	b.WriteString("- Include a 'subtypes' array only when the text gives subtype counts (e.g. Shahed-136, Iskander-M).\n")
	b.WriteString("- 'additional_details' should summarize context for that type: locations, attack origins, outcomes ")
	b.WriteString("(e.g. \"shot down by air defense\").\n")
	b.WriteString("- If the text does not contain enough information to build the object, respond with the single ")
	b.WriteString("literal value NULL (without quotes).\n")
	b.WriteString("- Do not add extra fields, explanations, or any other text.\n\n")
	b.WriteString("Now analyze the following input and return the JSON or NULL:\n\n")
	b.WriteString(messageText)
	return b.String()
}

// CleanModelJSON strips the decoration models sometimes wrap around JSON:
// markdown fences, leading prose, trailing whitespace. It does not attempt
// to fix the JSON itself.
func CleanModelJSON(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```json") {
		content = content[len("```json"):]
	} else if strings.HasPrefix(content, "```") {
		content = content[len("```"):]
	}
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	content = strings.TrimSpace(content)

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start != -1 && end > start {
		content = content[start : end+1]
	}
	return content
}
