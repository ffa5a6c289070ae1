package executor

import (
	"fmt"
	"strings"

	"github.com/BrennonTWilliams/little-loops-sub001/internal/domain"
)

// Verdict block field prefixes emitted by the validate command. The block
// may optionally be fenced by "--- VERDICT ---" / "--- END VERDICT ---"
// lines; everything outside the fence is ignored when a fence is present.
const (
	verdictFenceStart = "--- VERDICT ---"
	verdictFenceEnd   = "--- END VERDICT ---"
)

// ParseVerdict extracts the structured validation outcome from the validate
// command's stdout. A missing or unrecognized VERDICT line is an error; the
// caller treats it as a validation fault rather than guessing.
func ParseVerdict(stdout string) (*domain.Validation, error) {
	lines := strings.Split(stdout, "\n")

	// Restrict to the fenced block when one is present.
	start, end := 0, len(lines)
	for i, l := range lines {
		switch strings.TrimSpace(l) {
		case verdictFenceStart:
			start = i + 1
		case verdictFenceEnd:
			end = i
		}
	}
	if start > end {
		return nil, fmt.Errorf("malformed verdict fence in validate output")
	}

	v := &domain.Validation{}
	found := false
	for _, l := range lines[start:end] {
		l = strings.TrimSpace(l)
		switch {
		case strings.HasPrefix(l, "VERDICT:"):
			val := strings.TrimSpace(strings.TrimPrefix(l, "VERDICT:"))
			switch domain.Verdict(val) {
			case domain.VerdictReady, domain.VerdictNotReady, domain.VerdictClose:
				v.Verdict = domain.Verdict(val)
				found = true
			default:
				return nil, fmt.Errorf("unrecognized verdict %q", val)
			}
		case strings.HasPrefix(l, "CONCERN:"):
			v.Concerns = append(v.Concerns, strings.TrimSpace(strings.TrimPrefix(l, "CONCERN:")))
		case strings.HasPrefix(l, "CORRECTED_PATH:"):
			v.CorrectedPath = strings.TrimSpace(strings.TrimPrefix(l, "CORRECTED_PATH:"))
		case strings.HasPrefix(l, "NOTE:"):
			v.Notes = append(v.Notes, strings.TrimSpace(strings.TrimPrefix(l, "NOTE:")))
		case strings.HasPrefix(l, "REASON:"):
			v.CloseReason = strings.TrimSpace(strings.TrimPrefix(l, "REASON:"))
		case strings.HasPrefix(l, "STATUS:"):
			v.CloseStatus = strings.TrimSpace(strings.TrimPrefix(l, "STATUS:"))
		}
	}

	if !found {
		return nil, fmt.Errorf("validate output contains no VERDICT line")
	}
	if v.Verdict == domain.VerdictClose && v.CloseReason == "" {
		return nil, fmt.Errorf("CLOSE verdict missing REASON line")
	}
	return v, nil
}
