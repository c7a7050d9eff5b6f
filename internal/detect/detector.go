// Package detect scans text payloads for a closed set of sensitive-data
// categories. It is a pure matcher: no I/O, no retained state beyond the
// precompiled patterns, and it never returns matched values, only category
// names and counts.
package detect

import (
	"regexp"
	"sort"
	"unicode/utf8"
)

// Category identifies one recognized sensitive-data category.
type Category string

const (
	CategoryEmail            Category = "email"
	CategoryPhone            Category = "phone"
	CategoryNationalID       Category = "national_id"
	CategoryCreditCard       Category = "credit_card"
	CategoryIBAN             Category = "iban"
	CategoryIPAddress        Category = "ip_address"
	CategoryDateOfBirth      Category = "date_of_birth"
	CategoryPassport         Category = "passport"
	CategoryMedicalRecord    Category = "medical_record"
	CategoryFinancialAccount Category = "financial_account"
)

// Finding reports that a category matched somewhere in the scanned text.
// The matched values themselves are deliberately not carried.
type Finding struct {
	Category Category
	Count    int
}

type pattern struct {
	category Category
	re       *regexp.Regexp
}

// Detector holds the precompiled category matchers.
type Detector struct {
	patterns []pattern
	maxBytes int
}

// Option configures a Detector.
type Option func(*Detector)

// WithMaxScanBytes caps how much of a payload is scanned. Zero means no cap.
func WithMaxScanBytes(n int) Option {
	return func(d *Detector) {
		d.maxBytes = n
	}
}

// New builds a Detector with all recognized category patterns compiled.
func New(opts ...Option) *Detector {
	d := &Detector{
		patterns: []pattern{
			{CategoryEmail, regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)},
			{CategoryPhone, regexp.MustCompile(`\b(\+\d{1,3}[-.]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`)},
			{CategoryNationalID, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
			{CategoryCreditCard, regexp.MustCompile(`\b(?:4[0-9]{12}(?:[0-9]{3})?|5[1-5][0-9]{14}|3[47][0-9]{13}|6(?:011|5[0-9]{2})[0-9]{12})\b`)},
			{CategoryIBAN, regexp.MustCompile(`\b[A-Z]{2}[0-9]{2}[A-Z0-9]{4}[0-9]{7}(?:[A-Z0-9]?){0,16}\b`)},
			{CategoryIPAddress, regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
			{CategoryDateOfBirth, regexp.MustCompile(`\b(0[1-9]|1[0-2])[-/](0[1-9]|[12]\d|3[01])[-/](19|20)\d{2}\b`)},
			{CategoryPassport, regexp.MustCompile(`\b[A-Z]{1,2}\d{7,9}\b`)},
			{CategoryMedicalRecord, regexp.MustCompile(`\b(?:NPI|MRN|DEA)[\s:#-]?\d{6,10}\b`)},
			{CategoryFinancialAccount, regexp.MustCompile(`\b(?:account|acct|routing)[\s:#-]*\d{8,17}\b`)},
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Scan runs every category matcher over text and returns the findings sorted
// by category name. Non-text input (invalid UTF-8) yields no findings rather
// than an error; audit completeness must not depend on payload well-formedness.
func (d *Detector) Scan(text string) []Finding {
	if text == "" {
		return nil
	}
	if d.maxBytes > 0 && len(text) > d.maxBytes {
		text = truncateUTF8(text, d.maxBytes)
	}
	if !utf8.ValidString(text) {
		return nil
	}

	var findings []Finding
	for _, p := range d.patterns {
		matches := p.re.FindAllStringIndex(text, -1)
		if len(matches) > 0 {
			findings = append(findings, Finding{Category: p.category, Count: len(matches)})
		}
	}

	sort.Slice(findings, func(i, j int) bool {
		return findings[i].Category < findings[j].Category
	})
	return findings
}

// ScanBytes decodes raw payload bytes as UTF-8 text and scans them.
func (d *Detector) ScanBytes(b []byte) []Finding {
	return d.Scan(string(b))
}

// Categories extracts the sorted category name set from findings.
func Categories(findings []Finding) []string {
	out := make([]string, 0, len(findings))
	for _, f := range findings {
		out = append(out, string(f.Category))
	}
	return out
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
