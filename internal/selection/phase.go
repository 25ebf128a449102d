package selection

import (
	"strings"

	"heimdallr/internal/textutil"
)

// Phase is the contrast timing of a CT series.
type Phase string

const (
	PhaseNative   Phase = "native"
	PhaseArterial Phase = "arterial"
	PhasePortal   Phase = "portal"
	PhaseDelayed  Phase = "delayed"
	PhaseUnknown  Phase = "unknown"
)

var phaseKeywords = []struct {
	phase Phase
	words []string
}{
	{PhaseNative, []string{"native", "nativo", "nativa", "plain", "sc", "nc", "noncontrast", "precontrast", "pre", "sem", "unenhanced"}},
	{PhaseArterial, []string{"arterial", "arterio", "art", "angio", "cta"}},
	{PhasePortal, []string{"portal", "venous", "venoso", "venosa", "pv", "vp"}},
	{PhaseDelayed, []string{"delayed", "tardia", "tardio", "equilibrium", "equilibrio", "excretory", "excretora", "late"}},
}

// ClassifyPhase infers the contrast phase from the bolus agent and series
// description. A description keyword wins; without one, a series with no
// agent is native.
func ClassifyPhase(contrastAgent, description string) Phase {
	tokens := textutil.Tokens(description)
	joined := strings.Join(tokens, "")
	for _, entry := range phaseKeywords {
		for _, word := range entry.words {
			for _, token := range tokens {
				if token == word {
					return entry.phase
				}
			}
			if len(word) > 4 && strings.Contains(joined, word) {
				return entry.phase
			}
		}
	}
	agent := strings.TrimSpace(contrastAgent)
	if agent == "" || strings.EqualFold(agent, "none") || strings.EqualFold(agent, "no") {
		return PhaseNative
	}
	return PhaseUnknown
}
