package events

import "testing"

func TestFiltersMatchesJobType(t *testing.T) {
	f := Filters{JobType: "comfyui"}
	if !f.Matches(Event{JobType: "comfyui"}, "") {
		t.Fatal("expected matching job_type to pass")
	}
	if f.Matches(Event{JobType: "inference"}, "") {
		t.Fatal("expected mismatched job_type to be filtered out")
	}
}

func TestFiltersMatchesPriorityRange(t *testing.T) {
	f := Filters{HasPriority: true, PriorityMin: 5, PriorityMax: 10}
	if !f.Matches(Event{Priority: 7}, "") {
		t.Fatal("expected priority within range to pass")
	}
	if f.Matches(Event{Priority: 2}, "") {
		t.Fatal("expected priority below range to be filtered out")
	}
	if f.Matches(Event{Priority: 11}, "") {
		t.Fatal("expected priority above range to be filtered out")
	}
}

func TestFiltersMatchesIgnoresPriorityWhenUnset(t *testing.T) {
	f := Filters{}
	if !f.Matches(Event{Priority: 999}, "") {
		t.Fatal("expected no priority filter to pass everything")
	}
}

func TestFiltersMatchesCombinesWorkerAndJobType(t *testing.T) {
	f := Filters{WorkerID: "w1", JobType: "comfyui"}
	if !f.Matches(Event{WorkerID: "w1", JobType: "comfyui"}, "") {
		t.Fatal("expected matching worker and job_type to pass")
	}
	if f.Matches(Event{WorkerID: "w1", JobType: "inference"}, "") {
		t.Fatal("expected job_type mismatch to be filtered out even with matching worker")
	}
}
