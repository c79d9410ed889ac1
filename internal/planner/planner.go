// Package planner turns a free-form goal into a plan document and
// persists approved plans as task trees.
package planner

import (
	"context"
	"fmt"
	"strings"

	apperrors "loom/internal/errors"
	"loom/internal/jobs"
	"loom/internal/llm"
	"loom/internal/logging"
	"loom/internal/store"
	"loom/internal/task"
)

// JobKindDecompose names the background job that proposes and
// approves a plan in one pass.
const JobKindDecompose = "plan_decompose"

const (
	minGoalLen   = 8
	maxGoalLen   = 4000
	maxPlanTasks = 20
	maxTitleLen  = 60
)

const proposeSystemPrompt = `You are a planning assistant. Break the user's goal into concrete,
independently executable work items.

Rules:
- 3 to 7 tasks for a typical goal; never more than 20.
- Each task gets a short imperative name (a few words) and a prompt:
  a self-contained instruction an executor can act on without seeing
  the other tasks.
- Order tasks so earlier ones produce what later ones need.
- The plan title is a short noun phrase, at most 60 characters.

Reply with JSON only, no prose:
{
  "title": "Short plan title",
  "tasks": [
    {"name": "First step", "prompt": "Do the first step: ...", "priority": 1},
    {"name": "Second step", "prompt": "Using the first step's result, ...", "priority": 2}
  ]
}`

// Plan is the proposal document reviewed before approval.
type Plan struct {
	Title string     `json:"title"`
	Goal  string     `json:"goal"`
	Tasks []PlanTask `json:"tasks"`
}

// PlanTask is one proposed step.
type PlanTask struct {
	Name     string `json:"name"`
	Prompt   string `json:"prompt"`
	Priority int    `json:"priority"`
}

// Approved reports what an approval created.
type Approved struct {
	Title      string  `json:"title"`
	RootID     int64   `json:"root_id"`
	WorkflowID string  `json:"workflow_id"`
	TaskIDs    []int64 `json:"task_ids"`
}

// Planner proposes plans with a chat model and persists approved ones.
type Planner struct {
	store    *store.Store
	client   llm.Client
	registry *jobs.Registry
	logger   logging.Logger
}

// New wires a planner. registry may be nil when background
// decomposition is not needed.
func New(st *store.Store, client llm.Client, registry *jobs.Registry, logger logging.Logger) *Planner {
	return &Planner{
		store:    st,
		client:   client,
		registry: registry,
		logger:   logging.OrNop(logger),
	}
}

// Propose asks the model to break goal into a plan document. Nothing
// is persisted.
func (p *Planner) Propose(ctx context.Context, goal string) (*Plan, error) {
	goal, err := validateGoal(goal)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			llm.SystemMessage(proposeSystemPrompt),
			llm.UserMessage("Goal:\n" + goal),
		},
		Temperature: 0.3,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeLLMProvider, "propose plan")
	}

	logger := logging.FromContext(ctx, p.logger)
	var plan Plan
	if err := llm.DecodeJSON(resp.Content, &plan); err != nil {
		logger.Warn("unparseable plan from %s: %v", p.client.Model(), err)
		return nil, apperrors.Wrap(err, apperrors.CodeLLMProvider, "parse plan document").
			WithSuggestions("Retry the proposal; the model returned malformed JSON.")
	}
	plan.Goal = goal
	if err := normalizePlan(&plan, goal); err != nil {
		return nil, err
	}

	logger.Info("proposed plan %q with %d tasks", plan.Title, len(plan.Tasks))
	return &plan, nil
}

// Approve persists the plan as a task tree: a root named after the
// title holding the goal as its prompt, and one child per task named
// "[Title] Name" carrying the task prompt as input.
func (p *Planner) Approve(ctx context.Context, plan *Plan) (*Approved, error) {
	return p.approve(ctx, plan, nil)
}

func (p *Planner) approve(ctx context.Context, plan *Plan, observe func(action string, data map[string]any)) (*Approved, error) {
	if plan == nil {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "Plan must not be nil.")
	}
	if err := normalizePlan(plan, plan.Goal); err != nil {
		return nil, err
	}
	note := func(action string, data map[string]any) {
		if observe != nil {
			observe(action, data)
		}
	}

	root, err := p.store.CreateTask(ctx, store.CreateTaskParams{Name: plan.Title})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(plan.Goal) != "" {
		if err := p.store.UpsertTaskInput(ctx, root.ID, plan.Goal); err != nil {
			return nil, err
		}
	}
	note("root_created", map[string]any{"task_id": root.ID, "workflow_id": root.WorkflowID})

	approved := &Approved{
		Title:      plan.Title,
		RootID:     root.ID,
		WorkflowID: root.WorkflowID,
		TaskIDs:    make([]int64, 0, len(plan.Tasks)),
	}
	var prevID int64
	for i, step := range plan.Tasks {
		priority := step.Priority
		if priority == 0 {
			priority = i + 1
		}
		child, err := p.store.CreateTask(ctx, store.CreateTaskParams{
			ParentID: &root.ID,
			Name:     task.PlanName(plan.Title, step.Name),
			Priority: priority,
		})
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(step.Prompt) != "" {
			if err := p.store.UpsertTaskInput(ctx, child.ID, step.Prompt); err != nil {
				return nil, err
			}
		}
		// The proposal orders steps so each consumes what the previous
		// produced; the chain makes that visible to the DAG strategy
		// and the context assembler.
		if prevID != 0 {
			if _, err := p.store.CreateLink(ctx, child.ID, prevID, task.LinkRequires); err != nil {
				return nil, err
			}
		}
		prevID = child.ID
		approved.TaskIDs = append(approved.TaskIDs, child.ID)
		note("task_created", map[string]any{"task_id": child.ID, "name": child.Name})
	}

	logging.FromContext(ctx, p.logger).Info("approved plan %q: root=%d tasks=%d workflow=%s",
		plan.Title, root.ID, len(approved.TaskIDs), root.WorkflowID)
	return approved, nil
}

// Decompose proposes and approves in one background job, streaming
// progress through the registry. The queued job snapshot is returned
// immediately.
func (p *Planner) Decompose(ctx context.Context, goal string) (*jobs.Job, error) {
	if p.registry == nil {
		return nil, apperrors.New(apperrors.CodeConfiguration, "Background decomposition needs a job registry.")
	}
	goal, err := validateGoal(goal)
	if err != nil {
		return nil, err
	}

	job := p.registry.Launch(ctx, JobKindDecompose, map[string]any{"goal": goal},
		func(ctx context.Context, jobID string) (any, error) {
			_ = p.registry.AppendLog(jobID, "info", "proposing plan", nil)
			plan, err := p.Propose(ctx, goal)
			if err != nil {
				return nil, err
			}
			if _, err := p.registry.AppendAction(jobID, "plan_proposed", map[string]any{
				"title": plan.Title,
				"tasks": len(plan.Tasks),
			}); err != nil {
				return nil, err
			}

			approved, err := p.approve(ctx, plan, func(action string, data map[string]any) {
				_, _ = p.registry.AppendAction(jobID, action, data)
			})
			if err != nil {
				return nil, err
			}
			_ = p.registry.AppendLog(jobID, "info",
				fmt.Sprintf("plan %q approved with %d tasks", approved.Title, len(approved.TaskIDs)), nil)
			return approved, nil
		})
	return job, nil
}

func validateGoal(goal string) (string, error) {
	goal = strings.TrimSpace(goal)
	if len(goal) < minGoalLen {
		return "", apperrors.New(apperrors.CodeGoalValidation, "Goal is too short to plan.").
			WithContext("min_length", minGoalLen).
			WithSuggestions("Describe the goal in at least one full sentence.")
	}
	if len(goal) > maxGoalLen {
		return "", apperrors.New(apperrors.CodeGoalValidation, "Goal is too long to plan.").
			WithContext("max_length", maxGoalLen)
	}
	return goal, nil
}

// normalizePlan trims fields, derives a missing title from the goal,
// and rejects plans an executor could not act on.
func normalizePlan(plan *Plan, goal string) error {
	plan.Title = strings.TrimSpace(plan.Title)
	if plan.Title == "" {
		plan.Title = deriveTitle(goal)
	}
	if len(plan.Title) > maxTitleLen {
		plan.Title = strings.TrimSpace(plan.Title[:maxTitleLen])
	}
	// Brackets delimit the plan prefix in task names.
	plan.Title = strings.NewReplacer("[", "(", "]", ")").Replace(plan.Title)

	kept := plan.Tasks[:0]
	for _, step := range plan.Tasks {
		step.Name = strings.TrimSpace(step.Name)
		step.Prompt = strings.TrimSpace(step.Prompt)
		if step.Name == "" {
			continue
		}
		kept = append(kept, step)
	}
	plan.Tasks = kept

	if len(plan.Tasks) == 0 {
		return apperrors.New(apperrors.CodeGoalValidation, "The plan contains no usable tasks.").
			WithSuggestions("Refine the goal and propose again.")
	}
	if len(plan.Tasks) > maxPlanTasks {
		plan.Tasks = plan.Tasks[:maxPlanTasks]
	}
	return nil
}

func deriveTitle(goal string) string {
	words := strings.Fields(goal)
	if len(words) > 6 {
		words = words[:6]
	}
	title := strings.Join(words, " ")
	if len(title) > maxTitleLen {
		title = title[:maxTitleLen]
	}
	if title == "" {
		title = "Untitled plan"
	}
	return title
}
