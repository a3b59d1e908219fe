package swe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/dshills/swegraph/graph"
	"github.com/dshills/swegraph/graph/model"
	"github.com/dshills/swegraph/internal/logging"
)

var (
	// ErrNoModules is returned when a project plan contains no modules.
	ErrNoModules = errors.New("no modules extracted from project plan")

	// ErrNoCodeFiles is returned when a code response holds no file blocks.
	ErrNoCodeFiles = errors.New("no code files extracted from response")

	// ErrNoCurrentModule is returned by code_module without a selected module.
	ErrNoCurrentModule = errors.New("no current module to code")
)

// GeneratedModule records the files produced for one module.
type GeneratedModule struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Sections    []string        `json:"sections"`
	Files       []GeneratedFile `json:"files"`
}

// GeneratedFile is one file written by the workflow.
type GeneratedFile struct {
	Path        string `json:"path"`
	Module      string `json:"module"`
	Description string `json:"description"`
}

func (w *Workflow) generatePath(ctx context.Context, s graph.State) graph.StepResult {
	hint := s.String(FieldNextNode)
	w.logger.DebugContext(ctx, "routing", w.attrs(ctx, "hint", hint)...)
	return graph.StepResult{Next: graph.Route()}
}

func (w *Workflow) analyzeRequest(ctx context.Context, s graph.State) graph.StepResult {
	logs := w.note(ctx, nil, "analysis", "info", "Analyzing user request...")

	messages := append([]model.Message{
		{Role: model.RoleSystem, Content: withFollowUp(analyzePrompt, s.String(FieldFollowUp))},
	}, conversation(s)...)
	analysis, err := w.generate(ctx, messages)
	if err != nil {
		return graph.StepResult{Err: fmt.Errorf("analyze request: %w", err)}
	}

	name := s.String(FieldProjectName)
	if name == "" {
		name = ExtractProjectName(analysis)
	}
	if name == "" {
		name = "untitled_project"
	}
	name = Slug(name)
	logs = w.note(ctx, logs, "analysis", "info", "Project identified as: "+name)

	art, err := w.artifacts.Write(path.Join(name, "docs", "analysis.md"), analysis)
	if err != nil {
		return graph.StepResult{Err: err}
	}

	docs := GeneratedModule{
		Name:        ReviewDocumentation,
		Description: "Project documentation",
		Sections:    []string{"analysis"},
		Files:       []GeneratedFile{{Path: "/docs/analysis.md", Module: ReviewDocumentation, Description: "analysis report"}},
	}
	logs = w.note(ctx, logs, "analysis", "info", "Analysis completed successfully")

	return graph.StepResult{Update: graph.State{
		FieldAnalysis:         analysis,
		FieldProjectName:      name,
		FieldGeneratedFiles:   encode([]GeneratedModule{docs}),
		FieldProjectStructure: StructureUpdate(art),
		FieldProcessedFiles:   s.Int(FieldProcessedFiles) + 1,
		FieldFollowUp:         "",
		FieldError:            nil,
		FieldLastAction:       "Generated analysis",
		FieldReviewRequest: w.review(ReviewDocumentation, "Analysis Agent",
			"Check the analysis report and proceed to planning if it is OK", nil),
		FieldNextNode: StepProcessFeedback,
		FieldLogs:     logs,
	}}
}

func (w *Workflow) planner(ctx context.Context, s graph.State) graph.StepResult {
	logs := w.note(ctx, nil, "planner", "info", "Creating project plan...")

	messages := append([]model.Message{
		{Role: model.RoleSystem, Content: withFollowUp(fmt.Sprintf(plannerPrompt, s.String(FieldAnalysis)), s.String(FieldFollowUp))},
		{Role: model.RoleUser, Content: plannerRequest},
	}, conversation(s)...)
	plan, err := w.generate(ctx, messages)
	if err != nil {
		return graph.StepResult{Err: fmt.Errorf("create project plan: %w", err)}
	}

	name := projectOf(s)
	art, err := w.artifacts.Write(path.Join(name, "docs", "project_plan.md"), plan)
	if err != nil {
		return graph.StepResult{Err: err}
	}

	modules := ExtractModulePlans(plan)
	if len(modules) == 0 {
		return graph.StepResult{Err: ErrNoModules}
	}
	logs = w.note(ctx, logs, "planner", "info", fmt.Sprintf("Planned %d modules", len(modules)))

	generated := decodeModules(s.Slice(FieldGeneratedFiles))
	docs := findModule(&generated, ReviewDocumentation)
	docs.Sections = append(docs.Sections, "planner")
	docs.Files = append(docs.Files, GeneratedFile{Path: "/docs/project_plan.md", Module: ReviewDocumentation, Description: "project plan"})

	plans := make(map[string]any, len(modules))
	for _, m := range modules {
		plans[m.Name] = encode(m)
	}

	return graph.StepResult{Update: graph.State{
		FieldFormattedPlan:     plan,
		FieldModulePlans:       plans,
		FieldPendingSections:   encode(modules),
		FieldCompletedSections: []any{},
		FieldGeneratedFiles:    encode(generated),
		FieldProjectStructure:  StructureUpdate(art),
		FieldFollowUp:          "",
		FieldError:             nil,
		FieldLastAction:        "Created project plan",
		FieldReviewRequest: w.review(ReviewPlanner, "Planning Agent", "Select the modules you need generated", map[string]any{
			"pending_sections":  encode(modules),
			"selected_sections": []any{},
		}),
		FieldNextNode: StepProcessFeedback,
		FieldLogs:     logs,
	}}
}

func (w *Workflow) createModule(ctx context.Context, s graph.State) graph.StepResult {
	pending := decodePlans(s.Slice(FieldPendingSections))
	if len(pending) == 0 {
		logs := w.note(ctx, nil, "module", "info", "No more modules to create")
		return graph.StepResult{Update: graph.State{
			FieldAllFilesProcessed: true,
			FieldCurrentModule:     nil,
			FieldReviewRequest:     nil,
			FieldLastAction:        "All modules created",
			FieldNextNode:          StepClearState,
			FieldLogs:              logs,
		}}
	}

	current := pending[0]
	logs := w.note(ctx, nil, "module", "info", fmt.Sprintf("Prepared module %s (%d remaining)", current.Name, len(pending)-1))

	sections := make(map[string]any, len(current.Sections))
	for _, sec := range current.Sections {
		sections[current.Name+"/"+sec.Name] = map[string]any{
			"module":         current.Name,
			"name":           sec.Name,
			"specifications": sec.Specifications,
		}
	}

	return graph.StepResult{Update: graph.State{
		FieldCurrentModule:   encode(current),
		FieldPendingSections: encode(pending[1:]),
		FieldSectionPlans:    sections,
		FieldLastAction:      "Created module specification for " + current.Name,
		FieldReviewRequest: w.review(ReviewCreateModule, current.Name, current.Description, map[string]any{
			"module": encode(current),
		}),
		FieldNextNode: StepProcessFeedback,
		FieldLogs:     logs,
	}}
}

func (w *Workflow) codeModule(ctx context.Context, s graph.State) graph.StepResult {
	var current ModulePlan
	if err := decode(s[FieldCurrentModule], &current); err != nil || current.Name == "" {
		return graph.StepResult{Err: ErrNoCurrentModule}
	}
	logs := w.note(ctx, nil, "code", "info", "Generating code for "+current.Name+"...")

	messages := []model.Message{
		{Role: model.RoleSystem, Content: fmt.Sprintf(codePrompt, current.Specification, current.Technologies)},
		{Role: model.RoleUser, Content: withFollowUp("Generate the complete code for module "+current.Name+".", s.String(FieldFollowUp))},
	}
	response, err := w.generate(ctx, messages)
	if err != nil {
		return graph.StepResult{Err: fmt.Errorf("generate code for %s: %w", current.Name, err)}
	}

	files := ExtractCodeFiles(response)
	if len(files) == 0 {
		return graph.StepResult{Err: fmt.Errorf("%s: %w", current.Name, ErrNoCodeFiles)}
	}

	base := path.Join(projectOf(s), Slug(current.Name))
	artifacts := make([]Artifact, 0, len(files))
	module := GeneratedModule{Name: current.Name, Description: current.Description, Sections: []string{}}
	for _, f := range files {
		art, err := w.artifacts.Write(path.Join(base, f.Path), f.Content)
		if err != nil {
			return graph.StepResult{Err: fmt.Errorf("write %s: %w", f.Path, err)}
		}
		artifacts = append(artifacts, art)
		module.Files = append(module.Files, GeneratedFile{
			Path:        f.Path,
			Module:      current.Name,
			Description: current.Name + " - " + path.Base(f.Path),
		})
	}
	for _, sec := range current.Sections {
		module.Sections = append(module.Sections, strings.ReplaceAll(sec.Name, " ", "_"))
	}
	logs = w.note(ctx, logs, "code", "info", fmt.Sprintf("Wrote %d files for %s", len(files), current.Name))

	generated := append(decodeModules(s.Slice(FieldGeneratedFiles)), module)
	completed := append(decodePlans(s.Slice(FieldCompletedSections)), current)

	return graph.StepResult{Update: graph.State{
		FieldGeneratedFiles:    encode(generated),
		FieldCompletedSections: encode(completed),
		FieldProjectStructure:  StructureUpdate(artifacts...),
		FieldProcessedFiles:    s.Int(FieldProcessedFiles) + 1,
		FieldCurrentModule:     nil,
		FieldReviewRequest:     nil,
		FieldFollowUp:          "",
		FieldError:             nil,
		FieldLastAction:        "Generated code for " + current.Name,
		FieldNextNode:          StepCreateModule,
		FieldLogs:              logs,
	}}
}

func (w *Workflow) respond(ctx context.Context, s graph.State) graph.StepResult {
	logs := w.note(ctx, nil, "response", "info", "Generating response to query...")

	projectContext, _ := json.MarshalIndent(map[string]any{
		"project_name":    s.String(FieldProjectName),
		"analysis":        s.String(FieldAnalysis),
		"files_created":   len(s.Map(FieldProjectStructure)),
		"processed_files": s.Int(FieldProcessedFiles),
	}, "", "  ")

	conv := conversation(s)
	messages := append([]model.Message{
		{Role: model.RoleSystem, Content: respondPrompt + "\n\nProject context:\n" + string(projectContext)},
	}, conv...)
	answer, err := w.generate(ctx, messages)
	if err != nil {
		return graph.StepResult{Err: fmt.Errorf("respond to query: %w", err)}
	}

	history := s.Slice(FieldMessages)
	history = append(append([]any{}, history...), message(model.RoleAssistant, answer))
	return graph.StepResult{Update: graph.State{
		FieldResponse:   answer,
		FieldMessages:   history,
		FieldLastAction: "general query",
		FieldNextNode:   StepClearState,
		FieldLogs:       logs,
	}}
}

func (w *Workflow) reflect(ctx context.Context, s graph.State) graph.StepResult {
	logs := w.note(ctx, nil, "reflect", "info", "Reflecting on project state...")

	progress, _ := json.MarshalIndent(map[string]any{
		"completed_sections": planNames(decodePlans(s.Slice(FieldCompletedSections))),
		"pending_sections":   planNames(decodePlans(s.Slice(FieldPendingSections))),
		"processed_files":    s.Int(FieldProcessedFiles),
	}, "", "  ")
	files := make([]string, 0, len(s.Map(FieldProjectStructure)))
	for p := range s.Map(FieldProjectStructure) {
		files = append(files, p)
	}
	sort.Strings(files)

	prompt := fmt.Sprintf(reflectPrompt, s.String(FieldProjectName), progress, strings.Join(files, "\n"))
	reflection, err := w.generate(ctx, []model.Message{{Role: model.RoleUser, Content: prompt}})
	if err != nil {
		if ctx.Err() != nil {
			return graph.StepResult{Err: err}
		}
		logs = w.note(ctx, logs, "reflect", "warn", "Reflection failed: "+graph.Truncate(err.Error(), 100))
		reflection = "I've completed the requested actions for your project."
	}

	return graph.StepResult{Update: graph.State{
		FieldReflection: reflection,
		FieldNextNode:   StepClearState,
		FieldLogs:       logs,
	}}
}

func (w *Workflow) clearState(ctx context.Context, _ graph.State) graph.StepResult {
	logs := w.note(ctx, nil, "clear_state", "info", "Temporary state cleared")
	return graph.StepResult{
		Update: graph.State{
			FieldFollowUp: nil,
			FieldResponse: nil,
			FieldLogs:     logs,
		},
		Next: graph.Terminate(),
	}
}

// generate calls the model and rejects blank answers.
func (w *Workflow) generate(ctx context.Context, messages []model.Message) (string, error) {
	out, err := w.model.Chat(ctx, messages)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Text) == "" {
		return "", model.ErrEmptyResponse
	}
	return out.Text, nil
}

// review builds a review request for process_feedback_node.
func (w *Workflow) review(name, title, description string, extra map[string]any) map[string]any {
	r := map[string]any{
		"name":        name,
		"title":       title,
		"description": description,
		"remarks":     "",
		"approved":    false,
		"timestamp":   w.now().UTC().Format(time.RFC3339),
	}
	for k, v := range extra {
		r[k] = v
	}
	return r
}

// note logs msg, reports it to the progress sink and appends a log entry.
func (w *Workflow) note(ctx context.Context, logs []any, section, level, msg string) []any {
	attrs := w.attrs(ctx, "section", section)
	if level == "warn" {
		w.logger.WarnContext(ctx, msg, attrs...)
	} else {
		w.logger.InfoContext(ctx, msg, attrs...)
	}
	graph.Report(ctx, msg)
	if logs == nil {
		logs = []any{}
	}
	return append(logs, map[string]any{
		"message": msg,
		"level":   level,
		"section": section,
		"time":    w.now().UTC().Format(time.RFC3339),
	})
}

func (w *Workflow) attrs(ctx context.Context, kv ...any) []any {
	if info, ok := graph.StepInfoFrom(ctx); ok {
		kv = append(kv, logging.Session(info.SessionID), logging.Step(info.Step))
	}
	return kv
}

func conversation(s graph.State) []model.Message {
	var out []model.Message
	for _, raw := range s.Slice(FieldMessages) {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		if content == "" {
			continue
		}
		switch role {
		case model.RoleAssistant, model.RoleSystem:
		default:
			role = model.RoleUser
		}
		out = append(out, model.Message{Role: role, Content: content})
	}
	return out
}

func projectOf(s graph.State) string {
	if name := s.String(FieldProjectName); name != "" {
		return Slug(name)
	}
	return "untitled_project"
}

func findModule(modules *[]GeneratedModule, name string) *GeneratedModule {
	for i := range *modules {
		if (*modules)[i].Name == name {
			return &(*modules)[i]
		}
	}
	*modules = append(*modules, GeneratedModule{Name: name, Sections: []string{}})
	return &(*modules)[len(*modules)-1]
}

func planNames(plans []ModulePlan) []string {
	names := make([]string, 0, len(plans))
	for _, p := range plans {
		names = append(names, p.Name)
	}
	return names
}

// encode converts v to the JSON-shaped values State holds.
func encode(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func decode(v any, out any) error {
	if v == nil {
		return errors.New("missing value")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func decodePlans(raw []any) []ModulePlan {
	plans := make([]ModulePlan, 0, len(raw))
	for _, r := range raw {
		var p ModulePlan
		if err := decode(r, &p); err == nil && p.Name != "" {
			plans = append(plans, p)
		}
	}
	return plans
}

func decodeModules(raw []any) []GeneratedModule {
	modules := make([]GeneratedModule, 0, len(raw))
	for _, r := range raw {
		var m GeneratedModule
		if err := decode(r, &m); err == nil && m.Name != "" {
			modules = append(modules, m)
		}
	}
	return modules
}
