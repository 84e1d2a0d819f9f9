package filter

import "testing"

func TestMachineTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []CallState
		want []bool
		end  CallState
	}{
		{"check allowed", []CallState{Calling, Complete}, []bool{true, true}, Complete},
		{"check rejected", []CallState{Calling, Responded}, []bool{true, true}, Responded},
		{"skipped", []CallState{Complete}, []bool{true}, Complete},
		{"no way back", []CallState{Calling, Init}, []bool{true, false}, Calling},
		{"complete is terminal", []CallState{Complete, Responded}, []bool{true, false}, Complete},
		{"responded is terminal", []CallState{Responded, Complete}, []bool{true, false}, Responded},
		{"no self loop", []CallState{Calling, Calling}, []bool{true, false}, Calling},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m machine
			for i, next := range tt.path {
				if got := m.to(next); got != tt.want[i] {
					t.Errorf("to(%s) = %v, want %v", next, got, tt.want[i])
				}
			}
			if m.state != tt.end {
				t.Errorf("state = %s, want %s", m.state, tt.end)
			}
		})
	}
}

func TestCallStateString(t *testing.T) {
	for s, want := range map[CallState]string{
		Init: "init", Calling: "calling", Complete: "complete", Responded: "responded", CallState(9): "CallState(9)",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q", int(s), s.String())
		}
	}
}
