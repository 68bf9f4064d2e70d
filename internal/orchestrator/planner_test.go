package orchestrator

import (
	"testing"

	"atlas/internal/domain/task"
)

func TestParsePlan(t *testing.T) {
	steps, err := parsePlan(`{"steps":[{"department":"data_retrieval","instructions":"fetch orders"}]}`)
	if err != nil {
		t.Fatalf("parsePlan() error: %v", err)
	}
	if len(steps) != 1 || steps[0].Department != task.DeptDataRetrieval {
		t.Errorf("unexpected steps: %+v", steps)
	}
}

func TestParsePlanStripsMarkdownFence(t *testing.T) {
	content := "```json\n{\"steps\":[{\"department\":\"predictive\",\"instructions\":\"forecast demand\"}]}\n```"
	steps, err := parsePlan(content)
	if err != nil {
		t.Fatalf("parsePlan() error: %v", err)
	}
	if len(steps) != 1 || steps[0].Department != task.DeptPredictive {
		t.Errorf("unexpected steps: %+v", steps)
	}
}

func TestParsePlanRepairsSloppyJSON(t *testing.T) {
	// Trailing comma and single quotes, the classic model output defects.
	content := `{'steps': [{'department': 'data_retrieval', 'instructions': 'fetch products',},]}`
	steps, err := parsePlan(content)
	if err != nil {
		t.Fatalf("parsePlan() should repair sloppy JSON, got error: %v", err)
	}
	if len(steps) != 1 || steps[0].Instructions != "fetch products" {
		t.Errorf("unexpected steps: %+v", steps)
	}
}

func TestParsePlanIgnoresSurroundingProse(t *testing.T) {
	content := `Here is the plan you asked for:
{"steps":[{"department":"comparative","instructions":"compare Q1 and Q2"}]}
Let me know if you need anything else.`
	steps, err := parsePlan(content)
	if err != nil {
		t.Fatalf("parsePlan() error: %v", err)
	}
	if len(steps) != 1 || steps[0].Department != task.DeptComparative {
		t.Errorf("unexpected steps: %+v", steps)
	}
}

func TestParsePlanRejectsUnknownDepartment(t *testing.T) {
	_, err := parsePlan(`{"steps":[{"department":"marketing","instructions":"do stuff"}]}`)
	if err == nil {
		t.Fatal("expected error for unknown department")
	}
}

func TestParsePlanRejectsEmptyInstructions(t *testing.T) {
	_, err := parsePlan(`{"steps":[{"department":"quantitative","instructions":"  "}]}`)
	if err == nil {
		t.Fatal("expected error for empty instructions")
	}
}

func TestParsePlanEmptySteps(t *testing.T) {
	steps, err := parsePlan(`{"steps":[]}`)
	if err != nil {
		t.Fatalf("parsePlan() error: %v", err)
	}
	if len(steps) != 0 {
		t.Errorf("want empty plan, got %+v", steps)
	}
}
