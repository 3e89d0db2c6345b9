// Package classifier maps a raw prompt and the caller's installed skills to
// a TaskClassification used by the router to pick a worker and model.
package classifier

import "strings"

// TaskType is the closed set of task categories the router understands.
type TaskType string

const (
	TaskCodeGeneration     TaskType = "code_generation"
	TaskFileOperations     TaskType = "file_operations"
	TaskResearch           TaskType = "research"
	TaskDocumentGeneration TaskType = "document_generation"
	TaskGeneralChat        TaskType = "general_chat"
)

// ValidTaskTypes is the allowlist used to validate task types read back from
// persistent storage (see trust.Store).
var ValidTaskTypes = map[TaskType]bool{
	TaskCodeGeneration:     true,
	TaskFileOperations:     true,
	TaskResearch:           true,
	TaskDocumentGeneration: true,
	TaskGeneralChat:        true,
}

// NormalizeTaskType coerces an unknown or empty task type to general_chat,
// matching the allowlist requirement in the persistence layer.
func NormalizeTaskType(t string) TaskType {
	tt := TaskType(t)
	if ValidTaskTypes[tt] {
		return tt
	}
	return TaskGeneralChat
}

// Complexity is a coarse estimate of how much work a prompt implies.
type Complexity string

const (
	ComplexitySimple   Complexity = "Simple"
	ComplexityModerate Complexity = "Moderate"
	ComplexityComplex  Complexity = "Complex"
)

// Skill is a lightweight descriptor for an installed skill, supplied by the
// caller. Skill content itself is read lazily elsewhere by Path; this
// package only ever inspects the metadata fields.
type Skill struct {
	Slug        string
	Name        string
	Description string
	Tags        []string
	Path        string
}

// TaskClassification is the ephemeral, per-prompt output of classify.
type TaskClassification struct {
	TaskType           TaskType
	Complexity         Complexity
	RequiresTools      bool
	RequiresFileSystem bool
	RelevantSkills     []string
}

var (
	codeVerbs = []string{"write", "create", "implement", "refactor", "fix"}
	codeNouns = []string{
		"function", "class", "method", "struct", "interface", "module", "package",
		".rs", ".ts", ".tsx", ".js", ".jsx", ".go", ".py", ".java", ".rb", ".c", ".cpp", ".h",
	}
	fileVerbs      = []string{"read", "list", "search", "rename", "delete"}
	pathTokens     = []string{"/", "\\", "./", "~/", "dir", "directory", "folder", "file"}
	researchVerbs  = []string{"search", "find", "latest", "news", "scrape", "browse"}
	documentPhrase = []string{"write article", "draft", "summary", "summarize"}
	multiStepMark  = []string{"and then", "also", "1.", "2.", "first,", "next,", "finally,"}

	stopWords = map[string]bool{
		"a": true, "an": true, "the": true, "and": true, "or": true, "of": true,
		"to": true, "in": true, "on": true, "for": true, "with": true, "is": true,
		"it": true, "this": true, "that": true, "i": true, "you": true, "me": true,
	}
)

// Classify is a pure function: the same prompt and skill set always
// produce the same classification.
func Classify(prompt string, installedSkills []Skill) TaskClassification {
	normalized := strings.ToLower(strings.TrimSpace(prompt))

	c := TaskClassification{TaskType: TaskGeneralChat}

	switch {
	case containsAny(normalized, codeVerbs) && containsAny(normalized, codeNouns):
		c.TaskType = TaskCodeGeneration
		c.RequiresTools = true
		c.RequiresFileSystem = true
	case containsAny(normalized, fileVerbs) && containsAny(normalized, pathTokens):
		c.TaskType = TaskFileOperations
		c.RequiresFileSystem = true
	case containsAny(normalized, researchVerbs):
		c.TaskType = TaskResearch
		c.RequiresTools = true
	case containsAny(normalized, documentPhrase):
		c.TaskType = TaskDocumentGeneration
	}

	c.Complexity = classifyComplexity(normalized, c)
	c.RelevantSkills = relevantSkills(normalized, installedSkills)

	return c
}

func classifyComplexity(normalized string, c TaskClassification) Complexity {
	tokenCount := len(strings.Fields(normalized))
	if containsAny(normalized, multiStepMark) {
		return ComplexityComplex
	}
	if tokenCount < 20 && !c.RequiresFileSystem && c.TaskType != TaskCodeGeneration {
		return ComplexitySimple
	}
	return ComplexityModerate
}

func relevantSkills(normalized string, skills []Skill) []string {
	if len(skills) == 0 {
		return nil
	}
	promptWords := significantWords(normalized)
	if len(promptWords) == 0 {
		return nil
	}

	var out []string
	for _, skill := range skills {
		haystack := strings.ToLower(skill.Name + " " + skill.Description + " " + strings.Join(skill.Tags, " "))
		for word := range promptWords {
			if strings.Contains(haystack, word) {
				out = append(out, skill.Slug)
				break
			}
		}
	}
	return out
}

func significantWords(normalized string) map[string]bool {
	words := map[string]bool{}
	for _, w := range strings.Fields(normalized) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if w == "" || stopWords[w] || len(w) < 3 {
			continue
		}
		words[w] = true
	}
	return words
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
