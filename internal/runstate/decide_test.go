package runstate

import (
	"testing"

	"valuation-lab/internal/domain"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name        string
		current     domain.RunStatus
		counts      domain.TaskCounts
		want        domain.RunStatus
		wantChanged bool
	}{
		{
			name:        "terminal completed never changes",
			current:     domain.RunCompleted,
			counts:      domain.TaskCounts{Dead: 3},
			want:        domain.RunCompleted,
			wantChanged: false,
		},
		{
			name:        "terminal cancelled never changes",
			current:     domain.RunCancelled,
			counts:      domain.TaskCounts{Queued: 2},
			want:        domain.RunCancelled,
			wantChanged: false,
		},
		{
			name:        "terminal failed never changes",
			current:     domain.RunFailed,
			counts:      domain.TaskCounts{Succeeded: 5},
			want:        domain.RunFailed,
			wantChanged: false,
		},
		{
			name:        "cancelling drains to cancelled once nothing runs",
			current:     domain.RunCancelling,
			counts:      domain.TaskCounts{Succeeded: 2, Dead: 3},
			want:        domain.RunCancelled,
			wantChanged: true,
		},
		{
			name:        "cancelling waits for running tasks",
			current:     domain.RunCancelling,
			counts:      domain.TaskCounts{Running: 1, Succeeded: 2},
			want:        domain.RunCancelling,
			wantChanged: false,
		},
		{
			name:        "all succeeded completes",
			current:     domain.RunRunning,
			counts:      domain.TaskCounts{Succeeded: 8},
			want:        domain.RunCompleted,
			wantChanged: true,
		},
		{
			name:        "partial success still completes",
			current:     domain.RunRunning,
			counts:      domain.TaskCounts{Succeeded: 1, Dead: 7},
			want:        domain.RunCompleted,
			wantChanged: true,
		},
		{
			name:        "all dead fails",
			current:     domain.RunRunning,
			counts:      domain.TaskCounts{Dead: 8},
			want:        domain.RunFailed,
			wantChanged: true,
		},
		{
			name:        "queued with work in flight starts running",
			current:     domain.RunQueued,
			counts:      domain.TaskCounts{Queued: 7, Running: 1},
			want:        domain.RunRunning,
			wantChanged: true,
		},
		{
			name:        "queued stays queued until a claim",
			current:     domain.RunQueued,
			counts:      domain.TaskCounts{Queued: 8},
			want:        domain.RunQueued,
			wantChanged: false,
		},
		{
			name:        "running stays running while work remains",
			current:     domain.RunRunning,
			counts:      domain.TaskCounts{Queued: 3, Running: 2, Succeeded: 3},
			want:        domain.RunRunning,
			wantChanged: false,
		},
		{
			name:        "running with only requeued work stays running",
			current:     domain.RunRunning,
			counts:      domain.TaskCounts{Queued: 1, Succeeded: 7},
			want:        domain.RunRunning,
			wantChanged: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := Decide(tt.current, tt.counts)
			if got != tt.want {
				t.Errorf("Decide() status = %s, want %s", got, tt.want)
			}
			if changed != tt.wantChanged {
				t.Errorf("Decide() changed = %t, want %t", changed, tt.wantChanged)
			}
		})
	}
}
