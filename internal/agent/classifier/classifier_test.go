package classifier

import "testing"

func TestClassifyDeterminism(t *testing.T) {
	skills := []Skill{{Slug: "rust-refactor", Name: "Rust Refactor", Tags: []string{"rust", "iterators"}}}
	a := Classify("refactor src/main.rs to use iterators", skills)
	b := Classify("refactor src/main.rs to use iterators", skills)
	if !equalClassification(a, b) {
		t.Fatalf("classify is not deterministic: %+v vs %+v", a, b)
	}
}

func equalClassification(a, b TaskClassification) bool {
	if a.TaskType != b.TaskType || a.Complexity != b.Complexity ||
		a.RequiresTools != b.RequiresTools || a.RequiresFileSystem != b.RequiresFileSystem {
		return false
	}
	if len(a.RelevantSkills) != len(b.RelevantSkills) {
		return false
	}
	for i := range a.RelevantSkills {
		if a.RelevantSkills[i] != b.RelevantSkills[i] {
			return false
		}
	}
	return true
}

func TestClassifyCodeGeneration(t *testing.T) {
	c := Classify("refactor src/main.rs to use iterators", nil)
	if c.TaskType != TaskCodeGeneration {
		t.Fatalf("TaskType = %v, want %v", c.TaskType, TaskCodeGeneration)
	}
	if !c.RequiresTools || !c.RequiresFileSystem {
		t.Fatalf("expected requires_tools and requires_file_system, got %+v", c)
	}
}

func TestClassifyFileOperations(t *testing.T) {
	c := Classify("list the files in ./src/components", nil)
	if c.TaskType != TaskFileOperations {
		t.Fatalf("TaskType = %v, want %v", c.TaskType, TaskFileOperations)
	}
	if !c.RequiresFileSystem {
		t.Fatalf("expected requires_file_system")
	}
}

func TestClassifyResearch(t *testing.T) {
	c := Classify("search for the latest news on golang generics", nil)
	if c.TaskType != TaskResearch {
		t.Fatalf("TaskType = %v, want %v", c.TaskType, TaskResearch)
	}
	if !c.RequiresTools {
		t.Fatalf("expected requires_tools")
	}
}

func TestClassifyGeneralChat(t *testing.T) {
	c := Classify("hello there", nil)
	if c.TaskType != TaskGeneralChat {
		t.Fatalf("TaskType = %v, want %v", c.TaskType, TaskGeneralChat)
	}
	if c.Complexity != ComplexitySimple {
		t.Fatalf("Complexity = %v, want %v", c.Complexity, ComplexitySimple)
	}
}

func TestClassifyComplexityMultiStep(t *testing.T) {
	c := Classify("summarize this doc and then email it to the team, also cc finance", nil)
	if c.Complexity != ComplexityComplex {
		t.Fatalf("Complexity = %v, want %v", c.Complexity, ComplexityComplex)
	}
}

func TestRelevantSkills(t *testing.T) {
	skills := []Skill{
		{Slug: "rust-refactor", Name: "Rust Refactor", Description: "Refactor rust code", Tags: []string{"rust"}},
		{Slug: "pdf-export", Name: "PDF Export", Description: "Export documents to PDF", Tags: []string{"pdf"}},
	}
	c := Classify("please refactor this rust module", skills)
	if len(c.RelevantSkills) != 1 || c.RelevantSkills[0] != "rust-refactor" {
		t.Fatalf("RelevantSkills = %v, want [rust-refactor]", c.RelevantSkills)
	}
}

func TestNormalizeTaskType(t *testing.T) {
	if got := NormalizeTaskType("evil_injection"); got != TaskGeneralChat {
		t.Fatalf("NormalizeTaskType(evil_injection) = %v, want %v", got, TaskGeneralChat)
	}
	if got := NormalizeTaskType("code_generation"); got != TaskCodeGeneration {
		t.Fatalf("NormalizeTaskType(code_generation) = %v, want %v", got, TaskCodeGeneration)
	}
}
