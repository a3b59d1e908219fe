package main

import (
	"fmt"
	"strings"

	"github.com/dshills/swegraph/graph/model"
)

const offlinePlan = `## 1. Hello
- **Description**: Prints a greeting
- **Technologies**: Go

### 1.1 Entry point
- **Tasks**: write main
- **Files**: main.go
`

const offlineCode = "### 1. **/main.go**\n```go\npackage main\n\nimport \"fmt\"\n\nfunc main() {\n\tfmt.Println(\"hello\")\n}\n```\n"

// offline answers the workflow prompts with fixed content so the mock
// provider can drive a whole session without network access.
func offline(messages []model.Message) (model.ChatOut, error) {
	if len(messages) == 0 {
		return model.ChatOut{}, fmt.Errorf("no messages")
	}
	out := model.ChatOut{Model: "mock"}
	first := messages[0].Content
	switch {
	case strings.Contains(first, "project analysis expert"):
		out.Text = "Project Name: hello\n\nA program that prints a greeting.\n"
	case strings.Contains(first, "software architect"):
		out.Text = offlinePlan
	case strings.Contains(first, "expert software developer"):
		out.Text = offlineCode
	default:
		out.Text = "Mock answer to: " + messages[len(messages)-1].Content
	}
	return out, nil
}
