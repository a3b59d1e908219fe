// Package swe is the software-project generation workflow: it analyses a
// request, plans modules, asks a human to review each stage and writes the
// generated code to an artifact directory.
package swe

import (
	"fmt"

	"github.com/dshills/swegraph/graph"
)

// State fields. Fields not listed in Schema are replaced on update.
const (
	FieldMessages          = "messages"
	FieldNextNode          = "next_node"
	FieldProjectName       = "project_name"
	FieldAnalysis          = "analysis"
	FieldFormattedPlan     = "formatted_plan"
	FieldProjectStructure  = "project_structure_json"
	FieldModulePlans       = "module_plans"
	FieldSectionPlans      = "section_plans"
	FieldPendingSections   = "pending_sections"
	FieldCompletedSections = "completed_sections"
	FieldCurrentModule     = "current_module"
	FieldGeneratedFiles    = "generated_files"
	FieldProcessedFiles    = "processed_files"
	FieldAllFilesProcessed = "all_files_processed"
	FieldLastAction        = "last_action"
	FieldResponse          = "response"
	FieldReflection        = "reflection"
	FieldFollowUp          = "follow_up"
	FieldLogs              = "logs"
	FieldReviewRequest     = graph.FieldReviewRequest
	FieldError             = graph.FieldError
)

// Step names.
const (
	StepGeneratePath    = "generate_path"
	StepAnalyze         = "analyze_request"
	StepPlanner         = "planner"
	StepCreateModule    = "create_module"
	StepCodeModule      = "code_module"
	StepRespond         = "generate_respond_to_query"
	StepReflect         = "reflect"
	StepProcessFeedback = "process_feedback_node"
	StepClearState      = "clear_state"
)

// Review names carried in review requests and resume values.
const (
	ReviewDocumentation = "documentation"
	ReviewPlanner       = "planner"
	ReviewCreateModule  = "create_module"
	ReviewSuccess       = "success"
	ReviewError         = "error"
)

// Schema returns the FileState schema: project structure and plans are
// union-merged, logs are appended.
func Schema() *graph.Schema {
	s, err := graph.NewSchema(
		graph.Field{Name: FieldProjectStructure, Policy: graph.UnionMerge},
		graph.Field{Name: FieldModulePlans, Policy: graph.UnionMerge},
		graph.Field{Name: FieldSectionPlans, Policy: graph.UnionMerge},
		graph.Field{Name: FieldLogs, Policy: graph.Append},
	)
	if err != nil {
		panic(fmt.Sprintf("swe: invalid schema: %v", err))
	}
	return s
}

// Routes is the keyword path table, matched in order.
var Routes = []graph.Route{
	{Keyword: "analyze", Step: StepAnalyze},
	{Keyword: "process_feedback_node", Step: StepProcessFeedback},
	{Keyword: "planner", Step: StepPlanner},
	{Keyword: "code_module", Step: StepCodeModule},
	{Keyword: "generate_respond_to_query", Step: StepRespond},
	{Keyword: "reflect", Step: StepReflect},
	{Keyword: "create_module", Step: StepCreateModule},
	{Keyword: "clear_state", Step: StepClearState},
}

// Router resolves next_node hints against Routes, defaulting to
// generate_respond_to_query.
func Router() *graph.Router {
	r, err := graph.NewRouter(FieldNextNode, StepRespond, Routes...)
	if err != nil {
		panic(fmt.Sprintf("swe: invalid router: %v", err))
	}
	return r
}

// InitialState builds the state of a new session from a user request.
// hint is the first next_node; empty means "analyze".
func InitialState(prompt, hint string) graph.State {
	if hint == "" {
		hint = "analyze"
	}
	return graph.State{
		FieldMessages:         []any{message("user", prompt)},
		FieldNextNode:         hint,
		FieldProjectName:      "",
		FieldProcessedFiles:   0,
		FieldPendingSections:  []any{},
		FieldGeneratedFiles:   []any{},
		FieldLogs:             []any{},
		FieldProjectStructure: map[string]any{},
	}
}

func message(role, content string) map[string]any {
	return map[string]any{"role": role, "content": content}
}
