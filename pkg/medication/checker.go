package medication

import (
	"sort"
	"strings"
	"unicode"

	"github.com/medrecnet/platform/pkg/common/models"
)

// SourcedPrescription is a prescription tagged with the hospital that issued it.
type SourcedPrescription struct {
	models.Prescription
	HospitalID string
}

type pair struct {
	a, b string
}

func newPair(x, y string) pair {
	if x > y {
		x, y = y, x
	}
	return pair{a: x, b: y}
}

type Checker struct {
	classes map[string]string
	rules   map[pair]Rule
}

func NewChecker(table Table) *Checker {
	c := &Checker{
		classes: make(map[string]string, len(table.Classes)),
		rules:   make(map[pair]Rule, len(table.Rules)),
	}
	for name, class := range table.Classes {
		c.classes[normalize(name)] = normalize(class)
	}
	for _, r := range table.Rules {
		r.Severity = strings.ToLower(r.Severity)
		key := newPair(normalize(r.A), normalize(r.B))
		if existing, ok := c.rules[key]; ok && severityRank[existing.Severity] >= severityRank[r.Severity] {
			continue
		}
		c.rules[key] = r
	}
	return c
}

type candidate struct {
	name string
	rx   SourcedPrescription
}

// Check reports interactions between active prescriptions issued by
// different hospitals. Each unordered medication pair is reported once.
// Output is sorted by severity, most severe first, then by names.
func (c *Checker) Check(prescriptions []SourcedPrescription) []models.DrugInteraction {
	items := make([]candidate, 0, len(prescriptions))
	for _, rx := range prescriptions {
		if !rx.IsActive {
			continue
		}
		name := normalize(rx.MedicationName)
		if name == "" {
			continue
		}
		items = append(items, candidate{name: name, rx: rx})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].name != items[j].name {
			return items[i].name < items[j].name
		}
		return items[i].rx.HospitalID < items[j].rx.HospitalID
	})

	seen := make(map[pair]struct{})
	out := make([]models.DrugInteraction, 0)
	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			x, y := items[i], items[j]
			if x.rx.HospitalID == y.rx.HospitalID || x.name == y.name {
				continue
			}
			key := newPair(x.name, y.name)
			if _, dup := seen[key]; dup {
				continue
			}
			rule, ok := c.match(x.name, y.name)
			if !ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, models.DrugInteraction{
				MedicationA: x.rx.MedicationName,
				MedicationB: y.rx.MedicationName,
				Severity:    rule.Severity,
				Description: rule.Description,
				HospitalA:   x.rx.HospitalID,
				HospitalB:   y.rx.HospitalID,
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := severityRank[out[i].Severity], severityRank[out[j].Severity]
		if ri != rj {
			return ri > rj
		}
		if a, b := normalize(out[i].MedicationA), normalize(out[j].MedicationA); a != b {
			return a < b
		}
		return normalize(out[i].MedicationB) < normalize(out[j].MedicationB)
	})
	return out
}

// match tries name/name, then name/class combinations and keeps the most
// severe rule found.
func (c *Checker) match(x, y string) (Rule, bool) {
	var (
		best  Rule
		found bool
	)
	for _, a := range c.terms(x) {
		for _, b := range c.terms(y) {
			rule, ok := c.rules[newPair(a, b)]
			if !ok {
				continue
			}
			if !found || severityRank[rule.Severity] > severityRank[best.Severity] {
				best, found = rule, true
			}
		}
	}
	return best, found
}

func (c *Checker) terms(name string) []string {
	if class, ok := c.classes[name]; ok && class != name {
		return []string{name, class}
	}
	return []string{name}
}

// normalize lowercases a medication name and drops strength tokens, so
// "Warfarin 5mg" and "warfarin" compare equal.
func normalize(name string) string {
	fields := strings.Fields(strings.ToLower(name))
	kept := fields[:0]
	for _, f := range fields {
		if strings.IndexFunc(f, unicode.IsDigit) >= 0 {
			continue
		}
		kept = append(kept, f)
	}
	return strings.Join(kept, " ")
}
