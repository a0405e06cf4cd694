package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/somnolog/somnolog/pkg/provider/classifier"
	"github.com/somnolog/somnolog/pkg/provider/classifier/mock"
	"github.com/somnolog/somnolog/pkg/provider/features"
	"github.com/somnolog/somnolog/pkg/types"
)

func TestClassifierFallback_RemoteDownUsesLocal(t *testing.T) {
	t.Parallel()
	remote := &mock.Classifier{Err: errors.New("connection refused")}
	local := &mock.Classifier{Results: []*classifier.Result{{Label: types.LabelApnea, Confidence: 0.8}}}

	fb := NewClassifierFallback(remote, "remote", FallbackConfig{})
	fb.AddFallback("energy", local)

	r, err := fb.Classify(context.Background(), features.Vector{0.1}, 7)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if r.Label != types.LabelApnea {
		t.Errorf("label = %s, want apnea", r.Label)
	}
	if remote.CallCount() != 1 || local.CallCount() != 1 {
		t.Errorf("calls: remote=%d local=%d, want 1/1", remote.CallCount(), local.CallCount())
	}
	if got := local.Sensitivities(); got[0] != 7 {
		t.Errorf("sensitivity forwarded = %d, want 7", got[0])
	}
}

func TestClassifierFallback_NoResultIsNotRetried(t *testing.T) {
	t.Parallel()
	primary := &mock.Classifier{Results: []*classifier.Result{nil}}
	secondary := &mock.Classifier{Results: []*classifier.Result{{Label: types.LabelNormal, Confidence: 0.9}}}

	fb := NewClassifierFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	r, err := fb.Classify(context.Background(), features.Vector{0.1}, 5)
	if err != nil || r != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", r, err)
	}
	if secondary.CallCount() != 0 {
		t.Errorf("secondary called %d times, want 0", secondary.CallCount())
	}
}

func TestClassifierFallback_AllFail(t *testing.T) {
	t.Parallel()
	fb := NewClassifierFallback(&mock.Classifier{Err: errTest}, "only", FallbackConfig{})
	if _, err := fb.Classify(context.Background(), features.Vector{0.1}, 5); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if st := fb.Status(); len(st) != 1 || st[0].Name != "only" {
		t.Errorf("status = %+v", st)
	}
}
