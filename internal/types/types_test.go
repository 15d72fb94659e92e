package types

import "testing"

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "agent-1", false},
		{"underscore", "task_force_7", false},
		{"single letter", "a", false},
		{"empty", "", true},
		{"starts with digit", "1agent", true},
		{"starts with hyphen", "-agent", true},
		{"contains space", "agent one", true},
		{"contains slash", "agent/1", true},
		{"too long", string(make([]byte, 65)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := tt.input
			if tt.name == "too long" {
				b := make([]byte, 65)
				for i := range b {
					b[i] = 'a'
				}
				input = string(b)
			}
			err := ValidateName(input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", input, err, tt.wantErr)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to WorkspaceState
		want     bool
	}{
		{WorkspaceCreated, WorkspaceWorking, true},
		{WorkspaceCreated, WorkspaceMerged, false},
		{WorkspaceWorking, WorkspaceReady, true},
		{WorkspaceWorking, WorkspaceConflict, true},
		{WorkspaceReady, WorkspaceMerged, true},
		{WorkspaceReady, WorkspaceWorking, true},
		{WorkspaceConflict, WorkspaceWorking, true},
		{WorkspaceMerged, WorkspaceWorking, false},
		{WorkspaceAbandoned, WorkspaceWorking, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestWorkspaceStateTerminal(t *testing.T) {
	terminal := []WorkspaceState{WorkspaceMerged, WorkspaceAbandoned}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	nonTerminal := []WorkspaceState{WorkspaceCreated, WorkspaceWorking, WorkspaceReady, WorkspaceConflict}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
