package teachback

import (
	"context"
	"testing"

	"github.com/rakunlabs/coreserver/internal/llmadapter"
	"github.com/rakunlabs/coreserver/internal/model"
)

type stubAdapter struct {
	responses []string
	calls     int
}

func (s *stubAdapter) Call(_ context.Context, _ string, _ []llmadapter.Message) llmadapter.Result {
	if s.calls >= len(s.responses) {
		return llmadapter.Result{Success: true, Content: "NO_ERROR"}
	}
	r := s.responses[s.calls]
	s.calls++
	return llmadapter.Result{Success: true, Content: r}
}

type stubStore struct {
	sessions map[string]*model.TeachBackSession
	seq      int
}

func newStubStore() *stubStore {
	return &stubStore{sessions: map[string]*model.TeachBackSession{}}
}

func (s *stubStore) CreateTeachBackSession(_ context.Context, ownerID, topic string) (*model.TeachBackSession, error) {
	s.seq++
	id := "session-" + string(rune('0'+s.seq))
	sess := &model.TeachBackSession{ID: id, OwnerID: ownerID, Topic: topic, Phase: model.TeachBackTeaching}
	s.sessions[id] = sess
	return sess, nil
}

func (s *stubStore) GetTeachBackSession(_ context.Context, id string) (*model.TeachBackSession, error) {
	return s.sessions[id], nil
}

func (s *stubStore) UpdateTeachBackSession(_ context.Context, id string, phase model.TeachBackPhase, transcript string, score *float64) error {
	sess := s.sessions[id]
	sess.Phase = phase
	sess.Transcript = transcript
	sess.Score = score
	return nil
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to model.TeachBackPhase
		want     bool
	}{
		{model.TeachBackTeaching, model.TeachBackInterrupted, true},
		{model.TeachBackTeaching, model.TeachBackExamining, true},
		{model.TeachBackTeaching, model.TeachBackCompleted, false},
		{model.TeachBackInterrupted, model.TeachBackTeaching, true},
		{model.TeachBackInterrupted, model.TeachBackExamining, false},
		{model.TeachBackExamining, model.TeachBackCompleted, true},
		{model.TeachBackExamining, model.TeachBackTeaching, false},
		{model.TeachBackCompleted, model.TeachBackTeaching, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestTurn_NoErrorsContinuesTeaching(t *testing.T) {
	store := newStubStore()
	session, _ := store.CreateTeachBackSession(context.Background(), "user-1", "hypertension")
	adapters := &stubAdapter{responses: []string{"NO_ERROR"}}
	c := New(adapters, store)

	res, err := c.Turn(context.Background(), session.ID, "Beta blockers reduce heart rate.", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Phase != model.TeachBackTeaching {
		t.Fatalf("expected phase to remain TEACHING, got %s", res.Phase)
	}
}

func TestTurn_CriticalErrorInterruptsImmediately(t *testing.T) {
	store := newStubStore()
	session, _ := store.CreateTeachBackSession(context.Background(), "user-1", "hypertension")
	adapters := &stubAdapter{responses: []string{
		"ERROR_FOUND\nError: wrong mechanism\nCorrection: actually X\nSeverity: critical",
	}}
	c := New(adapters, store)

	res, err := c.Turn(context.Background(), session.ID, "Beta blockers work by blocking calcium channels.", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Phase != model.TeachBackInterrupted {
		t.Fatalf("expected phase INTERRUPTED, got %s", res.Phase)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("expected 1 detected error, got %d", len(res.Errors))
	}
}

func TestTurn_MinorErrorsAccumulateToThreshold(t *testing.T) {
	store := newStubStore()
	session, _ := store.CreateTeachBackSession(context.Background(), "user-1", "hypertension")
	minorBlock := "ERROR_FOUND\nError: imprecise wording\nCorrection: be more precise\nSeverity: minor"
	adapters := &stubAdapter{responses: []string{minorBlock, minorBlock, minorBlock}}
	c := New(adapters, store)

	var res *TurnResult
	var err error
	for i := 0; i < 3; i++ {
		res, err = c.Turn(context.Background(), session.ID, "some explanation", "")
		if err != nil {
			t.Fatalf("unexpected error on turn %d: %v", i, err)
		}
	}
	if res.Phase != model.TeachBackInterrupted {
		t.Fatalf("expected phase INTERRUPTED after 3 minor errors, got %s", res.Phase)
	}
}

func TestTurn_InterruptedRequiresAcknowledgeBeforeResuming(t *testing.T) {
	store := newStubStore()
	session, _ := store.CreateTeachBackSession(context.Background(), "user-1", "hypertension")
	session.Phase = model.TeachBackInterrupted

	c := New(&stubAdapter{}, store)

	res, err := c.Turn(context.Background(), session.ID, "ok continuing", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Phase != model.TeachBackInterrupted {
		t.Fatalf("expected to remain INTERRUPTED without acknowledge, got %s", res.Phase)
	}

	res, err = c.Turn(context.Background(), session.ID, "got it", "acknowledge")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Phase != model.TeachBackTeaching {
		t.Fatalf("expected TEACHING after acknowledge, got %s", res.Phase)
	}
}

func TestTurn_EndTeachingSignalTransitionsToExamining(t *testing.T) {
	store := newStubStore()
	session, _ := store.CreateTeachBackSession(context.Background(), "user-1", "hypertension")
	adapters := &stubAdapter{responses: []string{"NO_ERROR", "1. Question one\n2. Question two"}}
	c := New(adapters, store)

	res, err := c.Turn(context.Background(), session.ID, "That's all, test me now.", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Phase != model.TeachBackExamining {
		t.Fatalf("expected phase EXAMINING after end-teaching signal, got %s", res.Phase)
	}
}

func TestTurn_ExaminingEndExaminationCompletesSession(t *testing.T) {
	store := newStubStore()
	session, _ := store.CreateTeachBackSession(context.Background(), "user-1", "hypertension")
	session.Phase = model.TeachBackExamining
	adapters := &stubAdapter{responses: []string{"EXAMINATION COMPLETE\nGood work overall."}}
	c := New(adapters, store)

	res, err := c.Turn(context.Background(), session.ID, "ACE inhibitors reduce afterload.", "end_examination")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Phase != model.TeachBackCompleted {
		t.Fatalf("expected phase COMPLETED, got %s", res.Phase)
	}
}

func TestTurn_TerminalPhaseRejectsFurtherTurns(t *testing.T) {
	store := newStubStore()
	session, _ := store.CreateTeachBackSession(context.Background(), "user-1", "hypertension")
	session.Phase = model.TeachBackCompleted

	c := New(&stubAdapter{}, store)
	if _, err := c.Turn(context.Background(), session.ID, "anything", ""); err == nil {
		t.Fatal("expected an error turning a completed session")
	}
}

func TestParseErrorDetection_NoError(t *testing.T) {
	if errs := parseErrorDetection("NO_ERROR"); errs != nil {
		t.Fatalf("expected nil errors, got %v", errs)
	}
}

func TestParseErrorDetection_MultipleBlocks(t *testing.T) {
	reply := "ERROR_FOUND\nError: e1\nCorrection: c1\nSeverity: minor\n" +
		"ERROR_FOUND\nError: e2\nCorrection: c2\nSeverity: moderate"
	errs := parseErrorDetection(reply)
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors parsed, got %d", len(errs))
	}
	if errs[0].Severity != SeverityMinor || errs[1].Severity != SeverityModerate {
		t.Fatalf("unexpected severities: %+v", errs)
	}
}

func TestEndTeachingSignaled(t *testing.T) {
	if !endTeachingSignaled("OK, I'm done explaining this.") {
		t.Fatal("expected signal phrase to be detected case-insensitively")
	}
	if endTeachingSignaled("let me keep going with more detail") {
		t.Fatal("did not expect a signal match")
	}
}
