package capture

import (
	"fmt"
	"strings"
)

// Default classification patterns for engine/runtime internals. Lines
// matching an important pattern are always kept as user code, even when a
// framework prefix also matches (test files under Assets/ live in
// framework-looking namespaces surprisingly often).
var (
	DefaultFrameworkPrefixes = []string{
		"UnityEngine.",
		"UnityEditor.",
		"Unity.",
		"System.",
		"NUnit.Framework.",
		"Mono.",
	}
	DefaultImportantPatterns = []string{
		"Assets/",
		"Assets\\",
		"Packages/",
		"Tests/",
		".cs:",
	}
)

const (
	defaultMaxCandidateLines = 10
	defaultMaxLineLength     = 200
	fallbackRawLines         = 3
)

// TruncatorConfig tunes the stack-trace truncation heuristic. Zero values
// fall back to the defaults above.
type TruncatorConfig struct {
	FrameworkPrefixes []string `yaml:"framework_prefixes"`
	ImportantPatterns []string `yaml:"important_patterns"`
	MaxCandidateLines int      `yaml:"max_candidate_lines"`
	MaxLineLength     int      `yaml:"max_line_length"`
	ProjectRoot       string   `yaml:"project_root"`
}

// Truncator reduces raw stack traces to the lines a human debugging a test
// failure actually wants: user code frames, with engine internals
// collapsed into omission markers.
type Truncator struct {
	frameworkPrefixes []string
	importantPatterns []string
	maxCandidates     int
	maxLineLength     int
	projectRoot       string
}

// NewTruncator builds a truncator from config, applying defaults for any
// unset field.
func NewTruncator(cfg TruncatorConfig) *Truncator {
	t := &Truncator{
		frameworkPrefixes: cfg.FrameworkPrefixes,
		importantPatterns: cfg.ImportantPatterns,
		maxCandidates:     cfg.MaxCandidateLines,
		maxLineLength:     cfg.MaxLineLength,
		projectRoot:       strings.TrimRight(cfg.ProjectRoot, "/\\"),
	}
	if len(t.frameworkPrefixes) == 0 {
		t.frameworkPrefixes = DefaultFrameworkPrefixes
	}
	if len(t.importantPatterns) == 0 {
		t.importantPatterns = DefaultImportantPatterns
	}
	if t.maxCandidates <= 0 {
		t.maxCandidates = defaultMaxCandidateLines
	}
	if t.maxLineLength <= 0 {
		t.maxLineLength = defaultMaxLineLength
	}
	return t
}

// TruncateResult is the output of one truncation pass. FrameCount counts
// the original (non-blank) trace lines, never the truncated rendering.
type TruncateResult struct {
	Stack       string
	FrameCount  int
	IsTruncated bool
}

// Truncate applies the summarization heuristic to a raw stack trace. It
// never fails: any internal panic degrades to returning the raw trace
// untouched with IsTruncated=false.
func (t *Truncator) Truncate(raw string) (result TruncateResult) {
	defer func() {
		if r := recover(); r != nil {
			result = TruncateResult{Stack: raw, FrameCount: countLines(raw), IsTruncated: false}
		}
	}()

	lines := splitNonBlank(raw)
	if len(lines) == 0 {
		// A non-empty trace must keep a non-empty rendering, even when
		// every line is blank.
		return TruncateResult{Stack: raw}
	}

	result.FrameCount = len(lines)

	firstCandidate := -1
	for i, line := range lines {
		if t.isCandidate(line) {
			firstCandidate = i
			break
		}
	}

	// No user code anywhere: keep the head of the raw trace so the entry
	// is still a valid rendering.
	if firstCandidate == -1 {
		keep := len(lines)
		if keep > fallbackRawLines {
			keep = fallbackRawLines
		}
		var out []string
		for _, line := range lines[:keep] {
			out = append(out, t.renderLine(line))
		}
		if rest := len(lines) - keep; rest > 0 {
			out = append(out, omittedFramesMarker(rest))
			result.IsTruncated = true
		}
		result.Stack = strings.Join(out, "\n")
		return result
	}

	var out []string
	emitted := 0
	frameworkRun := 0
	for i := firstCandidate; i < len(lines); i++ {
		line := lines[i]
		if !t.isCandidate(line) {
			frameworkRun++
			continue
		}
		if frameworkRun > 0 {
			out = append(out, frameworkMarker(frameworkRun))
			result.IsTruncated = true
			frameworkRun = 0
		}
		if emitted == t.maxCandidates {
			// Budget hit. Everything from here on is summarized in one
			// tail marker.
			out = append(out, omittedFramesMarker(len(lines)-i))
			result.IsTruncated = true
			result.Stack = strings.Join(out, "\n")
			return result
		}
		out = append(out, t.renderLine(line))
		emitted++
	}
	if frameworkRun > 0 {
		out = append(out, frameworkMarker(frameworkRun))
		result.IsTruncated = true
	}

	result.Stack = strings.Join(out, "\n")
	return result
}

// isCandidate classifies a line as user/test code. Important patterns win
// over framework prefixes.
func (t *Truncator) isCandidate(line string) bool {
	for _, p := range t.importantPatterns {
		if strings.Contains(line, p) {
			return true
		}
	}
	trimmed := strings.TrimSpace(line)
	trimmed = strings.TrimPrefix(trimmed, "at ")
	for _, p := range t.frameworkPrefixes {
		if strings.HasPrefix(trimmed, p) {
			return false
		}
	}
	return true
}

// renderLine rewrites absolute project paths to project-relative form and
// clamps the line length.
func (t *Truncator) renderLine(line string) string {
	if t.projectRoot != "" {
		line = strings.ReplaceAll(line, t.projectRoot+"/", "")
		line = strings.ReplaceAll(line, t.projectRoot+"\\", "")
	}
	if len(line) > t.maxLineLength {
		line = line[:t.maxLineLength-3] + "..."
	}
	return line
}

func frameworkMarker(n int) string {
	return fmt.Sprintf("  ... %d framework calls omitted", n)
}

func omittedFramesMarker(n int) string {
	return fmt.Sprintf("  ... %d more frames", n)
}

func splitNonBlank(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, line := range strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

func countLines(s string) int {
	return len(splitNonBlank(s))
}
