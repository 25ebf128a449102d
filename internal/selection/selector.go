package selection

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"heimdallr/internal/config"
	"heimdallr/internal/imaging"
	"heimdallr/internal/services"
)

// ErrNoEligibleSeries is returned when every series is disqualified.
var ErrNoEligibleSeries = errors.New("no eligible series")

// Score adjustments.
const (
	ThicknessBonus   = 50
	ThicknessPenalty = -50
	KernelPenalty    = -100
)

// Disqualification reasons.
const (
	ReasonUnsupportedModality = "unsupported modality"
	ReasonTooFewInstances     = "too few instances"
)

// Candidate is one series evaluated for selection.
type Candidate struct {
	SeriesUID      string             `json:"series_uid"`
	SeriesNumber   int                `json:"series_number"`
	Description    string             `json:"description,omitempty"`
	Modality       string             `json:"modality"`
	Kernel         string             `json:"kernel,omitempty"`
	SliceThickness *float64           `json:"slice_thickness,omitempty"`
	Instances      []imaging.Instance `json:"-"`
	Count          int                `json:"instances"`
	Score          int                `json:"score"`
	Disqualified   string             `json:"disqualified,omitempty"`
	Phase          Phase              `json:"contrast_phase,omitempty"`
}

// Eligible reports whether the candidate can win.
func (c Candidate) Eligible() bool { return c.Disqualified == "" }

// Result carries the winner and every evaluated candidate in list order.
type Result struct {
	Winner     Candidate
	Candidates []Candidate
}

// Rules holds the scoring thresholds.
type Rules struct {
	MinInstances   int
	ThicknessMinMM float64
	ThicknessMaxMM float64
}

// RulesFromConfig extracts scoring thresholds from configuration.
func RulesFromConfig(cfg *config.Config) Rules {
	return Rules{
		MinInstances:   cfg.Selection.MinInstances,
		ThicknessMinMM: cfg.Selection.ThicknessMinMM,
		ThicknessMaxMM: cfg.Selection.ThicknessMaxMM,
	}
}

// DefaultRules returns the default thresholds.
func DefaultRules() Rules {
	cfg := config.Default()
	return RulesFromConfig(&cfg)
}

// Group splits instances into candidates ordered by series number, then
// series UID. Series attributes come from the first instance by instance
// number.
func Group(instances []imaging.Instance) []Candidate {
	sorted := append([]imaging.Instance(nil), instances...)
	imaging.SortInstances(sorted)

	index := make(map[string]int)
	var out []Candidate
	for _, inst := range sorted {
		i, ok := index[inst.SeriesUID]
		if !ok {
			i = len(out)
			index[inst.SeriesUID] = i
			out = append(out, Candidate{
				SeriesUID:      inst.SeriesUID,
				SeriesNumber:   inst.SeriesNumber,
				Description:    inst.SeriesDescription,
				Modality:       inst.NormalizedModality(),
				Kernel:         inst.Kernel,
				SliceThickness: inst.SliceThickness,
			})
		}
		c := &out[i]
		c.Instances = append(c.Instances, inst)
		if c.SliceThickness == nil && inst.SliceThickness != nil {
			c.SliceThickness = inst.SliceThickness
		}
		if c.Kernel == "" {
			c.Kernel = inst.Kernel
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].SeriesNumber != out[b].SeriesNumber {
			return out[a].SeriesNumber < out[b].SeriesNumber
		}
		return out[a].SeriesUID < out[b].SeriesUID
	})
	return out
}

// Evaluate scores a candidate in place.
func (r Rules) Evaluate(c *Candidate) {
	c.Count = len(c.Instances)
	c.Score = 0
	c.Disqualified = ""

	switch c.Modality {
	case imaging.ModalityCT:
		c.Phase = ClassifyPhase(firstAgent(c.Instances), c.Description)
		c.Score = c.Count
		if c.SliceThickness != nil {
			t := *c.SliceThickness
			if t >= r.ThicknessMinMM && t <= r.ThicknessMaxMM {
				c.Score += ThicknessBonus
			} else {
				c.Score += ThicknessPenalty
			}
		}
		if IsBoneKernel(c.Kernel) {
			c.Score += KernelPenalty
		}
		if IsLungKernel(c.Kernel) {
			c.Score += KernelPenalty
		}
	case imaging.ModalityMR:
		c.Score = c.Count
	default:
		c.Disqualified = ReasonUnsupportedModality
		return
	}
	if c.Count < r.MinInstances {
		c.Disqualified = ReasonTooFewInstances
	}
}

// Select groups, scores and picks the strictly highest scoring eligible
// series. Ties go to the earlier series in list order.
func (r Rules) Select(instances []imaging.Instance) (Result, error) {
	candidates := Group(instances)
	result := Result{Candidates: candidates}
	best := -1
	for i := range candidates {
		r.Evaluate(&candidates[i])
		if !candidates[i].Eligible() {
			continue
		}
		if best < 0 || candidates[i].Score > candidates[best].Score {
			best = i
		}
	}
	if best < 0 {
		return result, services.Wrap(services.ErrValidation, "selection", "select",
			fmt.Sprintf("%d series evaluated", len(candidates)), ErrNoEligibleSeries)
	}
	result.Winner = candidates[best]
	return result, nil
}

// IsBoneKernel reports kernels optimized for bone: any containing "bone",
// or containing "b" together with 60, 70, "one" or "sharp".
func IsBoneKernel(kernel string) bool {
	k := strings.ToLower(kernel)
	if strings.Contains(k, "bone") {
		return true
	}
	if !strings.Contains(k, "b") {
		return false
	}
	for _, marker := range []string{"60", "70", "one", "sharp"} {
		if strings.Contains(k, marker) {
			return true
		}
	}
	return false
}

// IsLungKernel reports kernels optimized for lung parenchyma.
func IsLungKernel(kernel string) bool {
	return strings.Contains(strings.ToLower(kernel), "lung")
}

func firstAgent(instances []imaging.Instance) string {
	for _, inst := range instances {
		if strings.TrimSpace(inst.ContrastAgent) != "" {
			return inst.ContrastAgent
		}
	}
	return ""
}
