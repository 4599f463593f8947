package ingest

import (
	"regexp"
	"strings"
)

var (
	replyHeaderRe = regexp.MustCompile(`(?i)^On .{1,200} wrote:\s*$`)
	fromHeaderRe  = regexp.MustCompile(`(?i)^(from|sent|to|subject):\s`)
	mobileSigRe   = regexp.MustCompile(`(?i)^sent from my `)
)

// SanitizeBody strips quoted-reply and signature noise from an inbound
// message body. Deterministic text transform: quoted lines, forwarded-mail
// headers, and everything under a signature delimiter are dropped, blank
// runs collapsed.
func SanitizeBody(body string) string {
	lines := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")
	kept := make([]string, 0, len(lines))

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		// Signature delimiter ends the useful content.
		if trimmed == "--" || mobileSigRe.MatchString(trimmed) {
			break
		}
		if replyHeaderRe.MatchString(trimmed) {
			break
		}
		if strings.HasPrefix(trimmed, ">") {
			continue
		}
		if fromHeaderRe.MatchString(trimmed) {
			continue
		}
		kept = append(kept, line)
	}

	collapsed := make([]string, 0, len(kept))
	blank := false
	for _, line := range kept {
		if strings.TrimSpace(line) == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		collapsed = append(collapsed, line)
	}

	return strings.TrimSpace(strings.Join(collapsed, "\n"))
}
