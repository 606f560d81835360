package calls

import (
	"testing"
	"time"
)

func TestTerminalStatusesHaveNoTransitions(t *testing.T) {
	all := []Status{
		StatusInitiated, StatusRinging, StatusConnecting, StatusActive,
		StatusEnded, StatusDeclined, StatusMissed, StatusFailed,
	}
	for _, from := range all {
		for _, to := range all {
			if from.Terminal() && CanTransition(from, to) {
				t.Errorf("terminal status %s must not transition to %s", from, to)
			}
			if CanTransition(from, from) {
				t.Errorf("self transition allowed for %s", from)
			}
		}
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusInitiated, StatusRinging, true},
		{StatusInitiated, StatusActive, true},
		{StatusRinging, StatusConnecting, true},
		{StatusRinging, StatusMissed, true},
		{StatusConnecting, StatusActive, true},
		{StatusConnecting, StatusDeclined, false},
		{StatusConnecting, StatusMissed, false},
		{StatusActive, StatusEnded, true},
		{StatusActive, StatusRinging, false},
		{StatusActive, StatusMissed, false},
		{StatusEnded, StatusActive, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestSourcesOf(t *testing.T) {
	got := sourcesOf(StatusActive)
	want := map[Status]bool{StatusInitiated: true, StatusRinging: true, StatusConnecting: true}
	if len(got) != len(want) {
		t.Fatalf("sourcesOf(active) = %v", got)
	}
	for _, s := range got {
		if !want[s] {
			t.Errorf("unexpected source %s for active", s)
		}
	}
	if len(sourcesOf(Status("bogus"))) != 0 {
		t.Error("bogus status must have no sources")
	}
}

func TestDurationSeconds(t *testing.T) {
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(95 * time.Second)

	c := Call{Status: StatusEnded, StartedAt: &start, EndedAt: &end}
	if got := c.DurationSeconds(); got != 95 {
		t.Errorf("DurationSeconds = %d, want 95", got)
	}

	// Never answered: no media duration regardless of ended timestamp.
	missed := Call{Status: StatusMissed, EndedAt: &end}
	if got := missed.DurationSeconds(); got != 0 {
		t.Errorf("missed call DurationSeconds = %d, want 0", got)
	}
}

func TestHasParticipantAndOthers(t *testing.T) {
	c := Call{Participants: []string{"alice", "bob"}}
	if !c.HasParticipant("alice") || c.HasParticipant("carol") {
		t.Error("HasParticipant mismatch")
	}
	others := c.Others("alice")
	if len(others) != 1 || others[0] != "bob" {
		t.Errorf("Others(alice) = %v", others)
	}
}

func TestValidators(t *testing.T) {
	if !ValidCallType(CallTypeVideo) || ValidCallType("screen") {
		t.Error("ValidCallType mismatch")
	}
	if !ValidEndReason(EndReasonNetworkError) || ValidEndReason("rage_quit") {
		t.Error("ValidEndReason mismatch")
	}
}
