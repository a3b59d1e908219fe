package swe

import (
	"fmt"
	"strings"
)

const analyzePrompt = `You are a project analysis expert. Analyze the user's request and extract the key project information:
1. Project type (web app, CLI tool, API, library, ...)
2. Core functionality and features
3. Technologies requested or implied; choose suitable frameworks when none are given
4. Constraints or special requirements
5. Project scope and complexity
6. The most suitable development approach

Start the report with a line "Project Name: <name>".
Answer in Markdown.`

const plannerPrompt = `You are a software architect. Create a comprehensive project plan that covers every component needed.

Format every module exactly like this, separating modules with "---":

## 1. Module Name
- **Description**: what the module does
- **Technologies**: languages, frameworks and libraries
### 1.1 Section Name
- **Tasks**: what to build
- **Files**: files in this section

Project analysis:
%s`

const plannerRequest = "Create a comprehensive project plan that covers all necessary components and provides clear implementation instructions for each module."

const codePrompt = `You are an expert software developer writing complete, production-ready code for one module.

For every file:
- put the path in a heading such as "### 1. **/cmd/main.go**"
- follow the heading with one fenced code block holding the whole file
- write complete code with error handling and imports; leave no placeholders

Module specification:
%s

Technologies: %s`

const respondPrompt = "You are a helpful assistant helping with project generation."

const reflectPrompt = `You are a reflective project generation assistant.

Project Name: %s

Current progress:
%s

Files created:
%s

Reflect on the current state of the project, identify gaps or improvements and suggest next steps.`

// withFollowUp appends reviewer remarks to a prompt.
func withFollowUp(prompt, followUp string) string {
	followUp = strings.TrimSpace(followUp)
	if followUp == "" {
		return prompt
	}
	return fmt.Sprintf("%s\n\nReviewer remarks to take into account:\n%s", prompt, followUp)
}
