package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSLAClass_MaxAttempts(t *testing.T) {
	assert.Equal(t, 2, SLAFast.MaxAttempts())
	assert.Equal(t, 3, SLAMedium.MaxAttempts())
	assert.Equal(t, 5, SLALong.MaxAttempts())
}

func TestParseSLAClass(t *testing.T) {
	got, ok := ParseSLAClass("FAST")
	assert.True(t, ok)
	assert.Equal(t, SLAFast, got)

	got, ok = ParseSLAClass("")
	assert.True(t, ok)
	assert.Equal(t, SLAMedium, got, "empty preference defaults to MEDIUM")

	_, ok = ParseSLAClass("TURBO")
	assert.False(t, ok)
}

func TestStatus_Terminal(t *testing.T) {
	terminal := []Status{StatusSucceeded, StatusFailed, StatusCancelled, StatusTimedOut}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), string(s))
	}
	live := []Status{StatusPending, StatusQueued, StatusRunning, StatusApprovalPending}
	for _, s := range live {
		assert.False(t, s.Terminal(), string(s))
	}
}

func TestCanTransition_LegalWalks(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusPending, StatusQueued},
		{StatusPending, StatusRunning},
		{StatusPending, StatusApprovalPending},
		{StatusPending, StatusCancelled},
		{StatusQueued, StatusRunning},
		{StatusQueued, StatusCancelled},
		{StatusApprovalPending, StatusQueued},
		{StatusApprovalPending, StatusCancelled},
		{StatusRunning, StatusSucceeded},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusCancelled},
		{StatusRunning, StatusTimedOut},
	}
	for _, tt := range legal {
		assert.True(t, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestCanTransition_IllegalWalks(t *testing.T) {
	illegal := []struct{ from, to Status }{
		{StatusSucceeded, StatusRunning},
		{StatusFailed, StatusQueued},
		{StatusCancelled, StatusPending},
		{StatusTimedOut, StatusRunning},
		{StatusQueued, StatusSucceeded},
		{StatusApprovalPending, StatusRunning}, // must pass through QUEUED
		{StatusPending, StatusSucceeded},
		{StatusRunning, StatusQueued},
	}
	for _, tt := range illegal {
		assert.False(t, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestActionClass_RankAndMutating(t *testing.T) {
	assert.Less(t, ActionRead.Rank(), ActionMutate.Rank())
	assert.Less(t, ActionMutate.Rank(), ActionDestructive.Rank())

	assert.False(t, ActionRead.Mutating())
	assert.True(t, ActionMutate.Mutating())
	assert.True(t, ActionDestructive.Mutating())
}

func TestParsePreferenceMode(t *testing.T) {
	got, ok := ParsePreferenceMode("")
	assert.True(t, ok)
	assert.Equal(t, PreferBalanced, got)

	got, ok = ParsePreferenceMode("CHEAP")
	assert.True(t, ok)
	assert.Equal(t, PreferCheap, got)

	_, ok = ParsePreferenceMode("fastest")
	assert.False(t, ok)
}

func TestPlanStep_ContinueOnFailure(t *testing.T) {
	assert.False(t, PlanStep{Tool: "asset_search"}.ContinueOnFailure())
	assert.False(t, PlanStep{Tool: "asset_search", OnFailure: OnFailureStop}.ContinueOnFailure())
	assert.True(t, PlanStep{Tool: "asset_search", OnFailure: OnFailureContinue}.ContinueOnFailure())
}
