// Package teachback implements the OSCE-style "teach it back" practice
// feature: the learner teaches a topic to the system, gets interrupted on
// conceptual errors, then sits a short oral examination once they signal
// they're done. Grounded on original_source/backend/teach_back/state_machine.py
// and roles/{controller,evaluator,examiner}.py, generalized into explicit
// Go types instead of the original's free-floating role classes.
package teachback

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rakunlabs/coreserver/internal/llmadapter"
	"github.com/rakunlabs/coreserver/internal/model"
)

// feature is the tag teach-back LLM calls are made under; it is the same
// tag featuregate.FeatureForPath derives for "/teach-back/sessions" and the
// one config.FeatureModels/config.Providers bind an adapter to.
const feature = "teachback"

// errorThreshold matches the original Controller's accumulate-then-interrupt
// rule: three minor errors trigger an interruption same as one moderate one.
const errorThreshold = 3

var endTeachingSignals = []string{
	"that's all", "i'm done", "finished teaching", "end session",
	"ready for questions", "test me", "quiz me",
}

// ErrorSeverity mirrors the original's three-tier severity.
type ErrorSeverity string

const (
	SeverityMinor    ErrorSeverity = "minor"
	SeverityModerate ErrorSeverity = "moderate"
	SeverityCritical ErrorSeverity = "critical"
)

// DetectedError is one conceptual error the Evaluator call surfaced.
type DetectedError struct {
	Description string        `json:"description"`
	Correction  string        `json:"correction"`
	Severity    ErrorSeverity `json:"severity"`
}

// Turn is one exchange recorded in a session's transcript.
type Turn struct {
	Role    string `json:"role"` // "user" or "system"
	Content string `json:"content"`
}

// transcript is the JSON shape stored in TeachBackSession.Transcript.
type transcript struct {
	Turns  []Turn          `json:"turns"`
	Errors []DetectedError `json:"errors"`
}

// AdapterCaller is the narrow slice of registry.Registry teach-back needs:
// resolve-and-call in one step, the same shape the Router's notification
// path uses for non-completion calls.
type AdapterCaller interface {
	Call(ctx context.Context, feature string, messages []llmadapter.Message) llmadapter.Result
}

// Store is the narrow slice of store.TeachBackStorer teach-back needs.
type Store interface {
	CreateTeachBackSession(ctx context.Context, ownerID, topic string) (*model.TeachBackSession, error)
	GetTeachBackSession(ctx context.Context, id string) (*model.TeachBackSession, error)
	UpdateTeachBackSession(ctx context.Context, id string, phase model.TeachBackPhase, transcript string, score *float64) error
}

// validTransitions is state_machine.py's VALID_TRANSITIONS table.
var validTransitions = map[model.TeachBackPhase]map[model.TeachBackPhase]bool{
	model.TeachBackTeaching:    {model.TeachBackInterrupted: true, model.TeachBackExamining: true},
	model.TeachBackInterrupted: {model.TeachBackTeaching: true},
	model.TeachBackExamining:   {model.TeachBackCompleted: true},
	model.TeachBackCompleted:   {},
}

// CanTransition reports whether from→to is one of the four allowed edges.
func CanTransition(from, to model.TeachBackPhase) bool {
	return validTransitions[from][to]
}

// Controller drives one teach-back session through its state machine,
// calling the teachback-tagged adapter for error detection and examination.
type Controller struct {
	adapters AdapterCaller
	store    Store
}

func New(adapters AdapterCaller, store Store) *Controller {
	return &Controller{adapters: adapters, store: store}
}

// Start creates a new session in the initial TEACHING phase.
func (c *Controller) Start(ctx context.Context, ownerID, topic string) (*model.TeachBackSession, error) {
	session, err := c.store.CreateTeachBackSession(ctx, ownerID, topic)
	if err != nil {
		return nil, fmt.Errorf("teachback: create session: %w", err)
	}
	return session, nil
}

// TurnResult is what a Turn call returns to the HTTP handler.
type TurnResult struct {
	Reply  string
	Phase  model.TeachBackPhase
	Errors []DetectedError
}

// Turn processes one user explanation turn: detects conceptual errors via
// the Evaluator prompt, decides whether to interrupt or let teaching
// continue, and recognizes the end-teaching signals the original Controller
// matches on. A session already in EXAMINING instead evaluates the input as
// an answer to the current question set. INTERRUPTED sessions require an
// explicit acknowledgment before teaching resumes.
func (c *Controller) Turn(ctx context.Context, sessionID, userInput, action string) (*TurnResult, error) {
	session, err := c.store.GetTeachBackSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("teachback: get session: %w", err)
	}

	tr := decodeTranscript(session.Transcript)
	tr.Turns = append(tr.Turns, Turn{Role: "user", Content: userInput})

	switch session.Phase {
	case model.TeachBackInterrupted:
		if action != "acknowledge" {
			return &TurnResult{Reply: "Acknowledge the correction before continuing.", Phase: session.Phase}, nil
		}
		if err := c.save(ctx, session.ID, model.TeachBackTeaching, tr, session.Score); err != nil {
			return nil, err
		}
		return &TurnResult{Reply: "Continue teaching.", Phase: model.TeachBackTeaching}, nil

	case model.TeachBackExamining:
		reply, err := c.callAdapter(ctx, examineAnswerPrompt(session.Topic, userInput))
		if err != nil {
			return nil, err
		}
		tr.Turns = append(tr.Turns, Turn{Role: "system", Content: reply})
		phase := model.TeachBackExamining
		if action == "end_examination" {
			phase = model.TeachBackCompleted
		}
		if err := c.save(ctx, session.ID, phase, tr, session.Score); err != nil {
			return nil, err
		}
		return &TurnResult{Reply: reply, Phase: phase}, nil

	case model.TeachBackTeaching:
		errs, err := c.detectErrors(ctx, session.Topic, userInput, tr.Turns)
		if err != nil {
			return nil, err
		}
		tr.Errors = append(tr.Errors, errs...)

		if shouldInterrupt(errs, tr.Errors) {
			reply := formatCorrections(errs)
			tr.Turns = append(tr.Turns, Turn{Role: "system", Content: reply})
			if err := c.save(ctx, session.ID, model.TeachBackInterrupted, tr, session.Score); err != nil {
				return nil, err
			}
			return &TurnResult{Reply: reply, Phase: model.TeachBackInterrupted, Errors: errs}, nil
		}

		if action == "end_teaching" || endTeachingSignaled(userInput) {
			questions, err := c.callAdapter(ctx, examinationQuestionsPrompt(session.Topic, tr.Errors))
			if err != nil {
				return nil, err
			}
			tr.Turns = append(tr.Turns, Turn{Role: "system", Content: questions})
			if err := c.save(ctx, session.ID, model.TeachBackExamining, tr, session.Score); err != nil {
				return nil, err
			}
			return &TurnResult{Reply: questions, Phase: model.TeachBackExamining}, nil
		}

		tr.Turns = append(tr.Turns, Turn{Role: "system", Content: "Go on."})
		if err := c.save(ctx, session.ID, model.TeachBackTeaching, tr, session.Score); err != nil {
			return nil, err
		}
		return &TurnResult{Reply: "Go on.", Phase: model.TeachBackTeaching}, nil

	default:
		return nil, fmt.Errorf("teachback: session %s is in terminal phase %s", session.ID, session.Phase)
	}
}

// End transitions TEACHING straight to EXAMINING on an explicit end-session
// request, the same path a detected end-teaching signal takes.
func (c *Controller) End(ctx context.Context, sessionID string) (*TurnResult, error) {
	return c.Turn(ctx, sessionID, "end session", "end_teaching")
}

func (c *Controller) save(ctx context.Context, id string, phase model.TeachBackPhase, tr transcript, score *float64) error {
	encoded, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("teachback: encode transcript: %w", err)
	}
	if err := c.store.UpdateTeachBackSession(ctx, id, phase, string(encoded), score); err != nil {
		return fmt.Errorf("teachback: update session: %w", err)
	}
	return nil
}

func (c *Controller) callAdapter(ctx context.Context, prompt string) (string, error) {
	res := c.adapters.Call(ctx, feature, []llmadapter.Message{{Role: "user", Content: prompt}})
	if !res.Success {
		return "", fmt.Errorf("teachback: adapter call failed: %w", res.Err)
	}
	return res.Content, nil
}

// detectErrors runs the Evaluator prompt and parses its ERROR_FOUND /
// NO_ERROR response format.
func (c *Controller) detectErrors(ctx context.Context, topic, userInput string, history []Turn) ([]DetectedError, error) {
	reply, err := c.callAdapter(ctx, errorDetectionPrompt(topic, userInput, history))
	if err != nil {
		return nil, err
	}
	return parseErrorDetection(reply), nil
}

// shouldInterrupt mirrors Controller.should_interrupt: any critical or
// moderate error interrupts immediately; minor errors accumulate to
// errorThreshold across the whole session before interrupting.
func shouldInterrupt(latest []DetectedError, allErrors []DetectedError) bool {
	minorCount := 0
	for _, e := range allErrors {
		switch e.Severity {
		case SeverityCritical, SeverityModerate:
		case SeverityMinor:
			minorCount++
		}
	}
	for _, e := range latest {
		if e.Severity == SeverityCritical || e.Severity == SeverityModerate {
			return true
		}
	}
	return minorCount >= errorThreshold
}

func endTeachingSignaled(userInput string) bool {
	lower := strings.ToLower(userInput)
	for _, signal := range endTeachingSignals {
		if strings.Contains(lower, signal) {
			return true
		}
	}
	return false
}

func formatCorrections(errs []DetectedError) string {
	var b strings.Builder
	b.WriteString("Let's pause — a couple of things to correct:\n")
	for _, e := range errs {
		fmt.Fprintf(&b, "- %s. %s\n", e.Description, e.Correction)
	}
	b.WriteString("Acknowledge to continue teaching.")
	return b.String()
}

func decodeTranscript(raw string) transcript {
	if raw == "" {
		return transcript{}
	}
	var tr transcript
	if err := json.Unmarshal([]byte(raw), &tr); err != nil {
		return transcript{}
	}
	return tr
}

func errorDetectionPrompt(topic, userInput string, history []Turn) string {
	var ctxB strings.Builder
	if topic != "" {
		fmt.Fprintf(&ctxB, "Topic: %s\n", topic)
	}
	for _, t := range history {
		fmt.Fprintf(&ctxB, "%s: %s\n", t.Role, t.Content)
	}

	return fmt.Sprintf(`You are evaluating a medical student's teaching for accuracy. Identify any factual errors, misconceptions, or incomplete explanations.

%s

Student's latest explanation: %q

If there are errors, respond in this EXACT format, one block per error:
ERROR_FOUND
Error: [specific error or misconception]
Correction: [correct information]
Severity: [minor/moderate/critical]

If there are no errors, respond with exactly: NO_ERROR`, ctxB.String(), userInput)
}

func examinationQuestionsPrompt(topic string, errs []DetectedError) string {
	var summary strings.Builder
	if len(errs) == 0 {
		summary.WriteString("None identified")
	}
	for _, e := range errs {
		fmt.Fprintf(&summary, "- %s\n", e.Description)
	}

	return fmt.Sprintf(`You are an OSCE examiner conducting an oral examination. The student has just taught you about: %s

Areas where they made errors or showed gaps:
%s

Generate 5 examination questions that:
1. Test understanding of areas where errors occurred (prioritize these)
2. Follow OSCE examination style (clear, focused, clinically relevant)
3. Progress from basic recall to application/analysis

Format each question clearly, numbered 1-5.`, topic, summary.String())
}

func examineAnswerPrompt(topic, answer string) string {
	return fmt.Sprintf(`You are an OSCE examiner. The topic under examination is: %s

The student just answered a question with: %q

Give brief, constructive feedback on the answer, then ask the next question, or if the examination is complete say "EXAMINATION COMPLETE" followed by an overall assessment.`, topic, answer)
}

// parseErrorDetection parses the Evaluator's ERROR_FOUND/NO_ERROR blocks.
func parseErrorDetection(reply string) []DetectedError {
	if strings.Contains(reply, "NO_ERROR") {
		return nil
	}

	var errs []DetectedError
	blocks := strings.Split(reply, "ERROR_FOUND")
	for _, block := range blocks[1:] {
		var e DetectedError
		for _, line := range strings.Split(block, "\n") {
			line = strings.TrimSpace(line)
			switch {
			case strings.HasPrefix(line, "Error:"):
				e.Description = strings.TrimSpace(strings.TrimPrefix(line, "Error:"))
			case strings.HasPrefix(line, "Correction:"):
				e.Correction = strings.TrimSpace(strings.TrimPrefix(line, "Correction:"))
			case strings.HasPrefix(line, "Severity:"):
				e.Severity = ErrorSeverity(strings.ToLower(strings.TrimSpace(strings.TrimPrefix(line, "Severity:"))))
			}
		}
		if e.Description != "" {
			if e.Severity == "" {
				e.Severity = SeverityMinor
			}
			errs = append(errs, e)
		}
	}
	return errs
}
