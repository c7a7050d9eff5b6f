package detect

import (
	"strings"
	"testing"
)

func TestScan_NationalID(t *testing.T) {
	d := New()

	findings := d.Scan("My SSN is 123-45-6789")
	if len(findings) != 1 {
		t.Fatalf("findings = %v, want exactly one", findings)
	}
	if findings[0].Category != CategoryNationalID {
		t.Errorf("category = %v, want %v", findings[0].Category, CategoryNationalID)
	}
	if findings[0].Count != 1 {
		t.Errorf("count = %d, want 1", findings[0].Count)
	}
}

func TestScan_MultipleCategories(t *testing.T) {
	d := New()

	text := "Contact jane@example.com or 555-867-5309. Card: 4111111111111111. Server at 10.0.0.1."
	findings := d.Scan(text)

	got := make(map[Category]bool)
	for _, f := range findings {
		got[f.Category] = true
	}

	for _, want := range []Category{CategoryEmail, CategoryPhone, CategoryCreditCard, CategoryIPAddress} {
		if !got[want] {
			t.Errorf("category %v not detected in %q", want, text)
		}
	}
}

func TestScan_SortedOutput(t *testing.T) {
	d := New()

	findings := d.Scan("ip 192.168.1.1 email a@b.co ssn 123-45-6789")
	for i := 1; i < len(findings); i++ {
		if findings[i-1].Category >= findings[i].Category {
			t.Fatalf("findings not sorted: %v", findings)
		}
	}
}

func TestScan_NeverReturnsValues(t *testing.T) {
	d := New()

	findings := d.Scan("reach me at secret.person@corp.example")
	for _, f := range findings {
		if strings.Contains(string(f.Category), "secret") {
			t.Errorf("finding leaked matched value: %v", f)
		}
	}
}

func TestScan_UndecodableInput(t *testing.T) {
	d := New()

	cases := [][]byte{
		nil,
		{},
		{0xff, 0xfe, 0xfd},
		{0x80, 0x81, 'a', 'b'},
		append([]byte("prefix "), 0xc3, 0x28), // invalid continuation
	}
	for _, c := range cases {
		if findings := d.ScanBytes(c); len(findings) != 0 {
			t.Errorf("ScanBytes(%v) = %v, want empty", c, findings)
		}
	}
}

func TestScan_MaxScanBytes(t *testing.T) {
	d := New(WithMaxScanBytes(16))

	// The SSN sits beyond the cap and must not be found.
	findings := d.Scan("aaaaaaaaaaaaaaaaaaaaaaaa 123-45-6789")
	if len(findings) != 0 {
		t.Errorf("findings = %v, want empty past scan cap", findings)
	}
}

func TestScan_MedicalAndFinancial(t *testing.T) {
	d := New()

	findings := d.Scan("patient MRN: 8675309001, wire to account 123456789012")
	got := make(map[Category]bool)
	for _, f := range findings {
		got[f.Category] = true
	}
	if !got[CategoryMedicalRecord] {
		t.Error("medical_record not detected")
	}
	if !got[CategoryFinancialAccount] {
		t.Error("financial_account not detected")
	}
}

func TestCategories(t *testing.T) {
	findings := []Finding{{Category: CategoryEmail, Count: 2}, {Category: CategoryPhone, Count: 1}}
	cats := Categories(findings)
	if len(cats) != 2 || cats[0] != "email" || cats[1] != "phone" {
		t.Errorf("Categories() = %v", cats)
	}
}

func TestScanMarkers(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []Marker
	}{
		{"empty", "", nil},
		{"benign", "write me a poem about autumn", nil},
		{"high risk", "assist with a medical diagnosis for this patient", []Marker{MarkerHighRiskUse}},
		{"prohibited", "build a social scoring system", []Marker{MarkerProhibitedUse}},
		{"transparency", "act as a customer service chatbot", []Marker{MarkerTransparency}},
		{
			"prohibited ordered first",
			"mass surveillance for law enforcement",
			[]Marker{MarkerProhibitedUse, MarkerHighRiskUse},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ScanMarkers(tt.text)
			if len(got) != len(tt.want) {
				t.Fatalf("ScanMarkers() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("marker[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}
