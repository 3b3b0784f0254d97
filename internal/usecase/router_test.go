package usecase

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LifelogRouter/internal/domain"
	"LifelogRouter/internal/handler"
	"LifelogRouter/internal/handler/handlertest"
)

func routerRegistry(t *testing.T) *handler.Registry {
	t.Helper()
	reg, err := handler.NewRegistry(
		handlertest.New("nutrition", "eggs", "ate"),
		handlertest.New("workout", "ran", "pushups"),
		handlertest.New("sleep", "slept"),
	)
	require.NoError(t, err)
	return reg
}

func confidence(v float64) *float64 { return &v }

func TestRoute(t *testing.T) {
	window := standaloneWindow(entry("e1", "ate eggs after I ran, log that", 0))

	tests := []struct {
		name       string
		classifier classifierFunc
		want       domain.RoutingDecision
	}{
		{
			name:       "classifier decision is kept",
			classifier: selects("workout"),
			want: domain.RoutingDecision{
				EntryID: "e1", Selected: []string{"workout"}, Source: domain.SourceClassifier,
			},
		},
		{
			name:       "classifier failure falls back to keywords",
			classifier: failingClassifier(),
			want: domain.RoutingDecision{
				EntryID: "e1", Selected: []string{"nutrition", "workout"}, Source: domain.SourceFallback,
				Reasoning: "classifier unavailable",
			},
		},
		{
			name:       "unknown handlers are dropped and keywords fill in",
			classifier: selects("mood"),
			want: domain.RoutingDecision{
				EntryID: "e1", Selected: []string{"nutrition", "workout"}, Source: domain.SourceHybrid,
				Dropped: []string{"mood"},
			},
		},
		{
			name: "low confidence is widened with keywords",
			classifier: func(context.Context, domain.ContextWindow) (domain.RoutingDecision, error) {
				return domain.RoutingDecision{Selected: []string{"sleep"}, Confidence: confidence(0.4)}, nil
			},
			want: domain.RoutingDecision{
				EntryID: "e1", Selected: []string{"nutrition", "sleep", "workout"}, Source: domain.SourceHybrid,
				Confidence: confidence(0.4),
			},
		},
		{
			name: "confident empty selection stays empty",
			classifier: func(context.Context, domain.ContextWindow) (domain.RoutingDecision, error) {
				return domain.RoutingDecision{Selected: nil, Confidence: confidence(0.95)}, nil
			},
			want: domain.RoutingDecision{
				EntryID: "e1", Selected: []string{}, Source: domain.SourceClassifier,
				Confidence: confidence(0.95),
			},
		},
		{
			name:       "duplicates collapse into a sorted set",
			classifier: selects("workout", "nutrition", "workout"),
			want: domain.RoutingDecision{
				EntryID: "e1", Selected: []string{"nutrition", "workout"}, Source: domain.SourceClassifier,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewRouter(tt.classifier, routerRegistry(t), 0.7, nil)
			got := router.Route(context.Background(), window)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("decision mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRouteWithoutClassifier(t *testing.T) {
	router := NewRouter(nil, routerRegistry(t), 0.7, nil)
	got := router.Route(context.Background(), standaloneWindow(entry("e1", "slept badly, log that", 0)))

	assert.Equal(t, domain.SourceFallback, got.Source)
	assert.Equal(t, []string{"sleep"}, got.Selected)
}

func TestRouteUsesWholeWindow(t *testing.T) {
	earlier := entry("e0", "did forty pushups", 0)
	trigger := entry("e1", "log that", 1)
	window := domain.ContextWindow{Trigger: trigger, Entries: []domain.Entry{earlier, trigger}, Standalone: true}

	router := NewRouter(nil, routerRegistry(t), 0.7, nil)
	got := router.Route(context.Background(), window)

	assert.Equal(t, []string{"workout"}, got.Selected)
	assert.Equal(t, "e1", got.EntryID)
}
