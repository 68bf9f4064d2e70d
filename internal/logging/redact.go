package logging

import "regexp"

// Credential-looking substrings are scrubbed before any message is emitted or
// persisted. Plaintext tokens must never appear in logs or stored error text.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`shpat_[A-Za-z0-9]+`),
	regexp.MustCompile(`shpca_[A-Za-z0-9]+`),
	regexp.MustCompile(`shpss_[A-Za-z0-9]+`),
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{8,}`),
	regexp.MustCompile(`Bearer\s+[A-Za-z0-9._~+/-]+=*`),
}

// Redact replaces credential-looking substrings with a fixed marker.
func Redact(s string) string {
	for _, p := range secretPatterns {
		s = p.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}
