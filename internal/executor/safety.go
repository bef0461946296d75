package executor

import (
	"fmt"
	"regexp"
	"strings"
)

// secretPatterns match common secret material in diff added lines. Pattern
// strings are split so they don't match themselves.
var secretPatterns = []*secretPattern{
	{regexp.MustCompile(`AK` + `IA[0-9A-Z]{16}`), "AWS access key"},
	{regexp.MustCompile(`-{5}` + `BEGIN\s+(RSA|DSA|EC|OPENSSH|PGP)\s+PRIV` + `ATE\s+KEY-{5}`), "private key"},
	{regexp.MustCompile(`gh` + `p_[A-Za-z0-9_]{36}`), "GitHub personal access token"},
	{regexp.MustCompile(`sk` + `-[A-Za-z0-9]{20,}`), "API secret key"},
	{regexp.MustCompile(`(?i)(pass` + `word|sec` + `ret|to` + `ken|api[_-]?key)\s*[:=]\s*['"][^'"]{8,}`), "hardcoded credential"},
}

type secretPattern struct {
	re   *regexp.Regexp
	desc string
}

// ScanDiffForSecrets scans added lines of a unified diff for secret
// patterns and returns one warning per file+pattern. Matches never fail the
// task; they surface as artifact warnings.
func ScanDiffForSecrets(diff string) []string {
	var warnings []string
	seen := make(map[string]bool)
	var currentFile string
	for line := range strings.SplitSeq(diff, "\n") {
		if after, ok := strings.CutPrefix(line, "+++ b/"); ok {
			currentFile = after
			continue
		}
		if !strings.HasPrefix(line, "+") || strings.HasPrefix(line, "+++") {
			continue
		}
		added := line[1:]
		for _, sp := range secretPatterns {
			if !sp.re.MatchString(added) {
				continue
			}
			key := currentFile + ":" + sp.desc
			if seen[key] {
				continue
			}
			seen[key] = true
			warnings = append(warnings, fmt.Sprintf("possible %s in %s", sp.desc, currentFile))
		}
	}
	return warnings
}
