package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jkaninda/tripgate/internal/domain"
	"github.com/jkaninda/tripgate/internal/llm"
)

const decomposePrompt = `You are a travel planning assistant. Analyse the travel goal and return a JSON object with this exact schema:
{"tasks": [{"domain": "<flight|hotel|transport|activity>", "goal": "<sub-goal>"}],
 "required": ["<domain>"], "optional": ["<domain>"],
 "extracted_params": {"departure_city": "", "arrival_city": "", "destination_city": "",
  "departure_date": "YYYY-MM-DD", "return_date": "YYYY-MM-DD", "check_in_date": "YYYY-MM-DD",
  "check_out_date": "YYYY-MM-DD", "num_travelers": 1, "cabin_class": "", "preferred_vendor": ""}}
Return ONLY the JSON object, no markdown fences.`

const synthesizePrompt = `You are a travel assistant. Based on the trip planning results below, write a friendly, concise narrative summary for the traveller. Mention every booking reference and the total spent.`

// llmPlan is the JSON shape the model is asked to produce.
type llmPlan struct {
	Tasks           []domain.PlanTask       `json:"tasks"`
	Required        []domain.Domain         `json:"required"`
	Optional        []domain.Domain         `json:"optional"`
	ExtractedParams *domain.ExtractedParams `json:"extracted_params"`
}

// LLMPlanner asks a language model to decompose and summarize trips.
// Unparseable plans fall back to keyword detection.
type LLMPlanner struct {
	provider  llm.Provider
	maxTokens int
	logger    *slog.Logger
}

// NewLLMPlanner creates a planner backed by p.
func NewLLMPlanner(p llm.Provider, maxTokens int, logger *slog.Logger) *LLMPlanner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &LLMPlanner{provider: p, maxTokens: maxTokens, logger: logger}
}

// Decompose makes one model call. Transport errors are returned; a reply
// that is not a valid plan degrades to the keyword plan.
func (l *LLMPlanner) Decompose(ctx context.Context, goal string) (*domain.TripPlan, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, fmt.Errorf("%w: empty goal", ErrPlanInvalid)
	}
	resp, err := l.provider.SendMessage(ctx, &llm.Request{
		SystemPrompt: decomposePrompt,
		Messages:     llm.UserMessage("Travel goal: " + goal),
		MaxTokens:    l.maxTokens,
		Temperature:  llm.Temperature(0),
	})
	if err != nil {
		return nil, fmt.Errorf("decomposing goal via %s: %w", l.provider.Name(), err)
	}

	plan, err := parsePlan(resp.Content, goal)
	if err != nil {
		l.logger.WarnContext(ctx, "llm plan unusable, falling back to keyword detection",
			slog.String("provider", l.provider.Name()),
			slog.String("error", err.Error()),
		)
		return keywordPlan(goal)
	}
	return plan, nil
}

// Synthesize asks the model for a narrative. An empty reply yields the
// template summary.
func (l *LLMPlanner) Synthesize(ctx context.Context, s domain.TripSummary) (string, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding trip summary: %w", err)
	}
	resp, err := l.provider.SendMessage(ctx, &llm.Request{
		SystemPrompt: synthesizePrompt,
		Messages:     llm.UserMessage("Trip results:\n" + string(data)),
		MaxTokens:    l.maxTokens,
	})
	if errors.Is(err, llm.ErrEmptyResponse) {
		return templateSummary(s), nil
	}
	if err != nil {
		return "", fmt.Errorf("synthesizing summary via %s: %w", l.provider.Name(), err)
	}
	return strings.TrimSpace(resp.Content), nil
}

func parsePlan(text, goal string) (*domain.TripPlan, error) {
	var raw llmPlan
	if err := json.Unmarshal([]byte(stripFences(text)), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlanInvalid, err)
	}
	plan := &domain.TripPlan{
		Tasks:    raw.Tasks,
		Required: raw.Required,
		Optional: raw.Optional,
	}
	if raw.ExtractedParams != nil {
		plan.Params = *raw.ExtractedParams
	} else {
		plan.Params = ExtractParams(goal)
	}
	return normalize(plan, goal)
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	if len(lines) <= 2 {
		return text
	}
	return strings.Join(lines[1:len(lines)-1], "\n")
}
