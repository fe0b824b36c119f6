// Package export renders aggregated test results into the interchange
// formats the driver side consumes: an NUnit-style XML document and a
// sibling plain-text summary. Both are write-once-per-run outputs.
package export

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/perspec/coordinator/types"
)

// Run is everything the exporter needs to render one finished run.
type Run struct {
	RequestID   int64
	Platform    types.Platform
	Filter      string
	StartedAt   time.Time
	CompletedAt time.Time
	Summary     types.RunSummary
}

// Exporter writes result artifacts under a fixed directory.
type Exporter struct {
	dir string
	log zerolog.Logger
}

// New creates an exporter rooted at dir, creating it if needed.
func New(dir string, logger zerolog.Logger) (*Exporter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create export directory %s: %w", dir, err)
	}
	return &Exporter{
		dir: dir,
		log: logger.With().Str("component", "export").Logger(),
	}, nil
}

// Dir returns the export directory.
func (e *Exporter) Dir() string {
	return e.dir
}

// Export builds the full XML document and text summary in memory, then
// writes each with a temp-file rename so a concurrent reader never sees a
// partial file.
func (e *Exporter) Export(run Run) (xmlPath string, err error) {
	doc := buildDocument(run)
	encoded, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode result document: %w", err)
	}
	encoded = append([]byte(xml.Header), encoded...)

	base := artifactBase(run.Platform, run.RequestID)
	xmlPath = filepath.Join(e.dir, base+".xml")
	if err := writeAtomic(xmlPath, encoded); err != nil {
		return "", err
	}

	summaryPath := filepath.Join(e.dir, base+".summary.txt")
	if err := writeAtomic(summaryPath, []byte(e.renderSummary(run, xmlPath))); err != nil {
		return "", err
	}

	e.log.Info().Int64("request_id", run.RequestID).Str("file", xmlPath).Msg("results exported")
	return xmlPath, nil
}

// renderSummary produces the human-readable sibling of the XML document.
func (e *Exporter) renderSummary(run Run, xmlPath string) string {
	s := run.Summary
	var b strings.Builder
	b.WriteString("Test Results Summary\n")
	b.WriteString(strings.Repeat("=", 50) + "\n")
	fmt.Fprintf(&b, "Generated: %s\n\n", time.Now().UTC().Format("2006-01-02 15:04:05"))

	b.WriteString("Configuration:\n")
	fmt.Fprintf(&b, "  Request:  #%d\n", run.RequestID)
	fmt.Fprintf(&b, "  Platform: %s\n", run.Platform)
	if run.Filter != "" {
		fmt.Fprintf(&b, "  Filter:   %s\n", run.Filter)
	}
	fmt.Fprintf(&b, "  Duration: %.2f seconds\n\n", s.Duration.Seconds())

	b.WriteString("Results:\n")
	fmt.Fprintf(&b, "  Total:   %d\n", s.Total)
	fmt.Fprintf(&b, "  Passed:  %d\n", s.Passed)
	fmt.Fprintf(&b, "  Failed:  %d\n", s.Failed)
	fmt.Fprintf(&b, "  Skipped: %d\n", s.Skipped)
	fmt.Fprintf(&b, "  Pass rate: %s\n", passRate(s))

	if failed := s.FailedCases(); len(failed) > 0 {
		b.WriteString("\nFailed Tests:\n")
		for _, c := range failed {
			fmt.Fprintf(&b, "  [FAILED] %s\n", c.Name)
			if c.Message != "" {
				fmt.Fprintf(&b, "      %s\n", firstLine(c.Message))
			}
		}
	}

	b.WriteString("\nOutput Files:\n")
	fmt.Fprintf(&b, "  XML: %s\n", xmlPath)
	return b.String()
}

func passRate(s types.RunSummary) string {
	if s.Total == 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%%", float64(s.Passed)/float64(s.Total)*100)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// LatestForRequest finds the newest result document for a request id, or
// "" when none exist. Orphan recovery uses this to decide whether a
// running row actually finished before the restart.
func (e *Exporter) LatestForRequest(requestID int64) (string, error) {
	matches, err := filepath.Glob(filepath.Join(e.dir, fmt.Sprintf("TestResults_*_req%d.xml", requestID)))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", nil
	}
	sort.Slice(matches, func(i, j int) bool {
		return modTime(matches[i]).After(modTime(matches[j]))
	})
	return matches[0], nil
}

// ClearForRequest removes stale artifacts for a request id so an external
// reader never sees a previous run's output as the new result.
func (e *Exporter) ClearForRequest(requestID int64) error {
	patterns := []string{
		fmt.Sprintf("TestResults_*_req%d.xml", requestID),
		fmt.Sprintf("TestResults_*_req%d.summary.txt", requestID),
	}
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(e.dir, pattern))
		if err != nil {
			return err
		}
		for _, m := range matches {
			if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove stale artifact %s: %w", m, err)
			}
		}
	}
	return nil
}

func artifactBase(platform types.Platform, requestID int64) string {
	return fmt.Sprintf("TestResults_%s_req%d", platform, requestID)
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to publish %s: %w", path, err)
	}
	return nil
}

func modTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
