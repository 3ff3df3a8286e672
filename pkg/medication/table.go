// Package medication cross-checks active prescriptions that different
// hospitals issued for the same patient against a static interaction table.
package medication

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	SeverityContraindicated = "contraindicated"
	SeverityMajor           = "major"
	SeverityModerate        = "moderate"
	SeverityMinor           = "minor"
)

var severityRank = map[string]int{
	SeverityContraindicated: 4,
	SeverityMajor:           3,
	SeverityModerate:        2,
	SeverityMinor:           1,
}

// Rule names two medications or classes that interact.
type Rule struct {
	A           string `yaml:"a" json:"a"`
	B           string `yaml:"b" json:"b"`
	Severity    string `yaml:"severity" json:"severity"`
	Description string `yaml:"description" json:"description"`
}

// Table is the interaction knowledge base. Classes maps a medication name to
// its class; rules may refer to either.
type Table struct {
	Classes map[string]string `yaml:"classes" json:"classes"`
	Rules   []Rule            `yaml:"rules" json:"rules"`
}

// LoadTable reads a YAML table. An empty path yields the built-in table.
func LoadTable(path string) (Table, error) {
	if path == "" {
		return DefaultTable(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultTable(), err
	}

	var table Table
	if err := yaml.Unmarshal(content, &table); err != nil {
		return Table{}, err
	}
	if err := table.Validate(); err != nil {
		return Table{}, err
	}
	return table, nil
}

func (t Table) Validate() error {
	if len(t.Rules) == 0 {
		return errors.New("no interaction rules configured")
	}
	for i, r := range t.Rules {
		if normalize(r.A) == "" || normalize(r.B) == "" {
			return fmt.Errorf("rule %d: both sides required", i)
		}
		if _, ok := severityRank[strings.ToLower(r.Severity)]; !ok {
			return fmt.Errorf("rule %d (%s/%s): unknown severity %q", i, r.A, r.B, r.Severity)
		}
	}
	return nil
}

func DefaultTable() Table {
	return Table{
		Classes: map[string]string{
			"ibuprofen":              "nsaid",
			"naproxen":               "nsaid",
			"diclofenac":             "nsaid",
			"mefenamic acid":         "nsaid",
			"fluoxetine":             "ssri",
			"sertraline":             "ssri",
			"escitalopram":           "ssri",
			"phenelzine":             "maoi",
			"selegiline":             "maoi",
			"sildenafil":             "pde5 inhibitor",
			"tadalafil":              "pde5 inhibitor",
			"glyceryl trinitrate":    "nitrate",
			"isosorbide mononitrate": "nitrate",
			"isosorbide dinitrate":   "nitrate",
			"lisinopril":             "ace inhibitor",
			"enalapril":              "ace inhibitor",
			"perindopril":            "ace inhibitor",
			"spironolactone":         "potassium-sparing diuretic",
			"amiloride":              "potassium-sparing diuretic",
			"simvastatin":            "statin",
			"atorvastatin":           "statin",
			"clarithromycin":         "macrolide",
			"erythromycin":           "macrolide",
		},
		Rules: []Rule{
			{A: "warfarin", B: "aspirin", Severity: SeverityMajor, Description: "Increased bleeding risk"},
			{A: "warfarin", B: "nsaid", Severity: SeverityMajor, Description: "Increased bleeding risk and gastrointestinal haemorrhage"},
			{A: "ssri", B: "maoi", Severity: SeverityContraindicated, Description: "Risk of serotonin syndrome"},
			{A: "nitrate", B: "pde5 inhibitor", Severity: SeverityContraindicated, Description: "Severe hypotension"},
			{A: "ace inhibitor", B: "potassium-sparing diuretic", Severity: SeverityModerate, Description: "Risk of hyperkalaemia"},
			{A: "simvastatin", B: "clarithromycin", Severity: SeverityMajor, Description: "Raised statin levels, risk of myopathy and rhabdomyolysis"},
			{A: "statin", B: "macrolide", Severity: SeverityModerate, Description: "Raised statin levels, monitor for myopathy"},
			{A: "metformin", B: "cimetidine", Severity: SeverityMinor, Description: "Reduced metformin clearance"},
		},
	}
}
