package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/wegman-software/jartic2geojson-go/internal/repair"
)

// WriteSummary writes summary_<timestamp>.json and .txt into dir and returns
// both paths
func WriteSummary(dir string, s RunSummary) (jsonPath, textPath string, err error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", "", fmt.Errorf("failed to create summary directory: %w", err)
	}

	stamp := s.FinishedAt.Format("20060102_150405")
	jsonPath = filepath.Join(dir, "summary_"+stamp+".json")
	textPath = filepath.Join(dir, "summary_"+stamp+".txt")

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("failed to encode summary: %w", err)
	}
	if err := os.WriteFile(jsonPath, data, 0644); err != nil {
		return "", "", fmt.Errorf("failed to write summary: %w", err)
	}

	f, err := os.Create(textPath)
	if err != nil {
		return "", "", fmt.Errorf("failed to write summary: %w", err)
	}
	if err := WriteText(f, s); err != nil {
		f.Close()
		return "", "", err
	}
	if err := f.Close(); err != nil {
		return "", "", err
	}
	return jsonPath, textPath, nil
}

// WriteText renders a human-readable summary
func WriteText(w io.Writer, s RunSummary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, "Geometry repair summary")
	fmt.Fprintf(tw, "Started:\t%s\n", s.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "Finished:\t%s\n", s.FinishedAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "Duration:\t%s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	fmt.Fprintln(tw)

	fmt.Fprintf(tw, "Files:\t%d\n", len(s.Files))
	fmt.Fprintf(tw, "Failed files:\t%d\n", s.FailedUnits)
	fmt.Fprintf(tw, "Features:\t%d\n", s.Total)
	fmt.Fprintf(tw, "Already valid:\t%d\n", s.AlreadyValid)
	fmt.Fprintf(tw, "Repaired:\t%d\n", s.Repaired)
	fmt.Fprintf(tw, "Unrepairable:\t%d\n", s.Unrepairable)
	fmt.Fprintf(tw, "Skipped:\t%d\n", s.Skipped)
	fmt.Fprintf(tw, "Success rate:\t%.1f%%\n", s.SuccessRate)
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "Repairs by method")
	for _, m := range repair.Methods {
		if n := s.RepairedByMethod[m]; n > 0 {
			fmt.Fprintf(tw, "  %s:\t%d\n", m, n)
		}
	}
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "File\tTotal\tValid\tRepaired\tUnrepairable\tSkipped\tStatus")
	for i := range s.Files {
		fs := &s.Files[i]
		status := "ok"
		if fs.Failed {
			status = "failed: " + fs.Error
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			fs.File, fs.Total, fs.AlreadyValid, fs.Repaired(), fs.Unrepairable, fs.Skipped, status)
	}

	var withUnrepairable []string
	for i := range s.Files {
		if s.Files[i].Unrepairable > 0 {
			withUnrepairable = append(withUnrepairable, s.Files[i].File)
		}
	}
	if len(withUnrepairable) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "Files with unrepairable features")
		for _, name := range withUnrepairable {
			fmt.Fprintf(tw, "  %s\n", name)
		}
	}

	return tw.Flush()
}
