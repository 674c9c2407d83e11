package verify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/recette/fingerprint"
	"github.com/hazyhaar/recette/recipe"
	"github.com/hazyhaar/recette/runner"
)

// scriptedExec returns canned results in order, repeating the last one.
type scriptedExec struct {
	results []*recipe.ExecutionResult
	calls   int
}

func (s *scriptedExec) Execute(context.Context, *recipe.Definition, map[string]string, runner.Options) *recipe.ExecutionResult {
	i := s.calls
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	s.calls++
	return s.results[i]
}

func okMatch() *recipe.ExecutionResult {
	match := true
	return &recipe.ExecutionResult{OK: true, StatusCode: 200, FingerprintMatch: &match}
}

func okMismatch() *recipe.ExecutionResult {
	match := false
	return &recipe.ExecutionResult{OK: true, StatusCode: 200, FingerprintMatch: &match}
}

func failed(kind recipe.ErrorKind) *recipe.ExecutionResult {
	return &recipe.ExecutionResult{OK: false, ErrorKind: kind}
}

func plainDef() *recipe.Definition {
	return &recipe.Definition{
		Name:   "status-endpoint",
		Status: recipe.StatusDraft,
		Request: recipe.RequestTemplate{
			URLTemplate: "https://api.site.example/status", Method: "GET",
			ResponseKind: recipe.ResponseJSON,
		},
	}
}

func paramDef() *recipe.Definition {
	d := plainDef()
	d.Name = "search"
	d.Params = []recipe.Parameter{{Name: "query", Type: recipe.TypeString, Source: recipe.SourceCaller}}
	return d
}

func baselineForTest() *fingerprint.Fingerprint {
	return fingerprint.Take([]byte(`{"status":"ok"}`), fingerprint.Config{})
}

func newVerifier(exec Executor) *Verifier {
	return New(exec, Config{Pace: time.Microsecond})
}

func TestVerify_ParameterlessPromotion(t *testing.T) {
	// WHAT: Two consecutive matching replays promote a parameterless
	// draft and fill the verification record.
	exec := &scriptedExec{results: []*recipe.ExecutionResult{okMatch()}}
	v := newVerifier(exec)
	def := plainDef()

	report, err := v.Verify(context.Background(), def, nil, baselineForTest(), recipe.TransportDirect)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if report.Status != recipe.StatusVerified || def.Status != recipe.StatusVerified {
		t.Fatalf("status: report=%s def=%s", report.Status, def.Status)
	}
	if report.Replays != 2 || exec.calls != 2 {
		t.Errorf("replays: %d (calls %d)", report.Replays, exec.calls)
	}
	ver := def.Verification
	if ver == nil {
		t.Fatal("verification record missing")
	}
	if ver.TransportHint != recipe.TransportDirect || ver.AlgorithmVersion != fingerprint.AlgorithmVersion {
		t.Errorf("record: %+v", ver)
	}
	if ver.FingerprintDigest != baselineForTest().Digest() {
		t.Error("digest mismatch")
	}
}

func TestVerify_SecondReplayMismatchStaysDraft(t *testing.T) {
	exec := &scriptedExec{results: []*recipe.ExecutionResult{okMatch(), okMismatch()}}
	v := newVerifier(exec)
	def := plainDef()

	report, err := v.Verify(context.Background(), def, nil, baselineForTest(), recipe.TransportDirect)
	if err != nil {
		t.Fatal(err)
	}
	if def.Status != recipe.StatusDraft || report.Status != recipe.StatusDraft {
		t.Errorf("status: %s", def.Status)
	}
	if report.FailureKind != recipe.KindSchemaMismatch {
		t.Errorf("failure kind: %s", report.FailureKind)
	}
}

func TestVerify_AuthFailureSignalBlocksPromotion(t *testing.T) {
	// WHAT: A 401 replay is an auth signal, not a generic failure: the
	// recipe stays draft and the report flags it for re-learning. The
	// scripted result is the shape a failed status check produces.
	exec := &scriptedExec{results: []*recipe.ExecutionResult{
		{OK: false, StatusCode: 401, ErrorKind: recipe.KindMalformedResponse},
	}}
	v := newVerifier(exec)
	def := plainDef()

	report, err := v.Verify(context.Background(), def, nil, baselineForTest(), recipe.TransportDirect)
	if err != nil {
		t.Fatal(err)
	}
	if def.Status != recipe.StatusDraft {
		t.Errorf("status: %s", def.Status)
	}
	if report.FailureKind != recipe.KindValidationRejected {
		t.Errorf("failure kind: %s, want validation_rejected", report.FailureKind)
	}
}

// gateExec blocks inside Execute until released, so a test can observe
// the verifier mid-replay.
type gateExec struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gateExec) Execute(context.Context, *recipe.Definition, map[string]string, runner.Options) *recipe.ExecutionResult {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return okMatch()
}

func TestVerify_ObserveNotBlockedByInFlightReplays(t *testing.T) {
	// WHAT: Recording an outcome proceeds while a verification run is
	// mid-replay; the network call happens outside the lock.
	exec := &gateExec{entered: make(chan struct{}), release: make(chan struct{})}
	v := New(exec, Config{Pace: time.Microsecond})

	verifyDone := make(chan struct{})
	go func() {
		defer close(verifyDone)
		v.Verify(context.Background(), plainDef(), nil, baselineForTest(), recipe.TransportDirect)
	}()
	<-exec.entered

	observed := make(chan struct{})
	go func() {
		defer close(observed)
		def := plainDef()
		def.Status = recipe.StatusVerified
		v.Observe(def, &recipe.RunState{}, okMatch())
	}()
	select {
	case <-observed:
	case <-time.After(5 * time.Second):
		t.Fatal("Observe blocked behind an in-flight verification")
	}

	close(exec.release)
	<-verifyDone
}

func TestVerify_ParameterizedNeedsTwoDistinctSets(t *testing.T) {
	// WHAT: One parameter set — or two identical ones — is not proof the
	// parameterization works; the outcome is needs-second-example.
	exec := &scriptedExec{results: []*recipe.ExecutionResult{okMatch()}}
	v := newVerifier(exec)

	sets := []map[string]string{
		{"query": "one"},
		{"query": "one"},
	}
	report, err := v.Verify(context.Background(), paramDef(), sets, baselineForTest(), recipe.TransportDirect)
	if err != nil {
		t.Fatal(err)
	}
	if !report.NeedsSecondExample {
		t.Fatal("expected needs-second-example")
	}
	if report.Status != recipe.StatusDraft {
		t.Errorf("status: %s", report.Status)
	}
	if exec.calls != 0 {
		t.Errorf("replays issued before the example check: %d", exec.calls)
	}
}

func TestVerify_ParameterizedPromotionAcrossSets(t *testing.T) {
	exec := &scriptedExec{results: []*recipe.ExecutionResult{okMatch()}}
	v := newVerifier(exec)
	def := paramDef()

	sets := []map[string]string{
		{"query": "one"},
		{"query": "two"},
	}
	report, err := v.Verify(context.Background(), def, sets, baselineForTest(), recipe.TransportDirect)
	if err != nil {
		t.Fatal(err)
	}
	if def.Status != recipe.StatusVerified {
		t.Fatalf("status: %s", def.Status)
	}
	if report.Replays != 2 {
		t.Errorf("replays: %d", report.Replays)
	}
}

func TestVerify_DeprecatedIsReVerifiable(t *testing.T) {
	exec := &scriptedExec{results: []*recipe.ExecutionResult{okMatch()}}
	v := newVerifier(exec)
	def := plainDef()
	def.Status = recipe.StatusDeprecated

	if _, err := v.Verify(context.Background(), def, nil, baselineForTest(), recipe.TransportDirect); err != nil {
		t.Fatal(err)
	}
	if def.Status != recipe.StatusVerified {
		t.Errorf("status: %s", def.Status)
	}
}

func TestVerify_AlreadyVerifiedRejected(t *testing.T) {
	v := newVerifier(&scriptedExec{results: []*recipe.ExecutionResult{okMatch()}})
	def := plainDef()
	def.Status = recipe.StatusVerified
	if _, err := v.Verify(context.Background(), def, nil, baselineForTest(), recipe.TransportDirect); err == nil {
		t.Fatal("expected error")
	}
}

func TestObserve_FingerprintMismatchDemotesImmediately(t *testing.T) {
	v := newVerifier(&scriptedExec{results: []*recipe.ExecutionResult{okMatch()}})
	def := plainDef()
	def.Status = recipe.StatusVerified
	state := &recipe.RunState{}

	if changed := v.Observe(def, state, okMismatch()); !changed {
		t.Fatal("no status change")
	}
	if def.Status != recipe.StatusDraft {
		t.Errorf("status: %s", def.Status)
	}
}

func TestObserve_FailureRunDeprecates(t *testing.T) {
	v := New(&scriptedExec{results: []*recipe.ExecutionResult{okMatch()}},
		Config{FailureRun: 3, Pace: time.Microsecond})
	def := plainDef()
	def.Status = recipe.StatusVerified
	state := &recipe.RunState{}

	for i := 0; i < 2; i++ {
		if v.Observe(def, state, failed(recipe.KindTimedOut)) {
			t.Fatalf("demoted after %d failures", i+1)
		}
	}
	if !v.Observe(def, state, failed(recipe.KindTimedOut)) {
		t.Fatal("third consecutive failure should deprecate")
	}
	if def.Status != recipe.StatusDeprecated {
		t.Errorf("status: %s", def.Status)
	}
	if state.FailureStreak != 3 {
		t.Errorf("failure streak: %d", state.FailureStreak)
	}
}

func TestObserve_SuccessResetsFailureStreak(t *testing.T) {
	v := newVerifier(&scriptedExec{results: []*recipe.ExecutionResult{okMatch()}})
	def := plainDef()
	def.Status = recipe.StatusVerified
	state := &recipe.RunState{}

	v.Observe(def, state, failed(recipe.KindTimedOut))
	v.Observe(def, state, failed(recipe.KindTimedOut))
	v.Observe(def, state, okMatch())
	if state.FailureStreak != 0 || state.SuccessStreak != 1 {
		t.Errorf("streaks: fail=%d success=%d", state.FailureStreak, state.SuccessStreak)
	}
	if def.Status != recipe.StatusVerified {
		t.Errorf("status: %s", def.Status)
	}
}

func TestObserve_OutcomeWindowBounded(t *testing.T) {
	v := New(&scriptedExec{results: []*recipe.ExecutionResult{okMatch()}},
		Config{OutcomeWindow: 5, Pace: time.Microsecond})
	def := plainDef()
	state := &recipe.RunState{}

	for i := 0; i < 12; i++ {
		v.Observe(def, state, okMatch())
	}
	if len(state.Outcomes) != 5 {
		t.Errorf("window: %d", len(state.Outcomes))
	}
}
