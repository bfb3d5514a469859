package usecase

import (
	"sort"
	"strings"
)

// Classification is the pure result of one classifier run. Never persisted.
type Classification struct {
	UseCase        UseCase  `json:"use_case"`
	Confidence     float64  `json:"confidence"`
	MatchedSignals []string `json:"matched_signals"`

	// Defaulted is true when the summed score stayed below the floor and
	// the agent default applied instead of a real winner. Callers use it to
	// tell "this is an agent request" apart from "nothing matched".
	Defaulted bool `json:"-"`
}

const (
	// scoreFloor is the summed-score threshold below which classification
	// defaults to the agent use case.
	scoreFloor = 0.2

	// modalityBoost is added to every use case whose affinity set contains
	// the caller's modality hint.
	modalityBoost = 0.5

	// contextWeight discounts signals found in context values relative to
	// the same signal in the query itself.
	contextWeight = 0.5

	epsilon = 1e-9
)

// signal is one keyword pattern voting for a use case. The pattern is matched
// as a substring of the lowercased input. A non-empty unless field suppresses
// the vote when that substring is also present, which keeps generic words like
// "voice" from pulling transcription requests toward synthesis.
type signal struct {
	pattern string
	uc      UseCase
	weight  float64
	unless  string
}

var signalTable = []signal{
	// avatar
	{pattern: "avatar", uc: Avatar, weight: 1.0},
	{pattern: "lip sync", uc: Avatar, weight: 1.0},
	{pattern: "talking head", uc: Avatar, weight: 1.0},
	{pattern: "face", uc: Avatar, weight: 0.6},

	// stt
	{pattern: "transcribe", uc: STT, weight: 1.0},
	{pattern: "transcription", uc: STT, weight: 1.0},
	{pattern: "speech to text", uc: STT, weight: 1.0},
	{pattern: "audio", uc: STT, weight: 0.6},
	{pattern: "voice", uc: STT, weight: 0.4},
	{pattern: "recording", uc: STT, weight: 0.6},

	// tts — generic voice words vote here only when nothing asks for
	// transcription, per the "conflicting strong signals" policy.
	{pattern: "text to speech", uc: TTS, weight: 1.0},
	{pattern: "synthesize", uc: TTS, weight: 0.9, unless: "transcribe"},
	{pattern: "speak", uc: TTS, weight: 0.8, unless: "transcribe"},
	{pattern: "read aloud", uc: TTS, weight: 0.9},
	{pattern: "voice", uc: TTS, weight: 0.4, unless: "transcribe"},

	// agent
	{pattern: "code", uc: Agent, weight: 0.8},
	{pattern: "function", uc: Agent, weight: 0.8},
	{pattern: "write", uc: Agent, weight: 0.6},
	{pattern: "generate", uc: Agent, weight: 0.5},
	{pattern: "reason", uc: Agent, weight: 0.6},
	{pattern: "analy", uc: Agent, weight: 0.5},
	{pattern: "summar", uc: Agent, weight: 0.6},
	{pattern: "explain", uc: Agent, weight: 0.6},

	// multimodal
	{pattern: "image", uc: Multimodal, weight: 0.9},
	{pattern: "picture", uc: Multimodal, weight: 0.9},
	{pattern: "photo", uc: Multimodal, weight: 0.8},
	{pattern: "see", uc: Multimodal, weight: 0.3},
	{pattern: "visual", uc: Multimodal, weight: 0.7},
	{pattern: "diagram", uc: Multimodal, weight: 0.8},

	// video
	{pattern: "video", uc: Video, weight: 0.9},
	{pattern: "clip", uc: Video, weight: 0.6},
	{pattern: "frame", uc: Video, weight: 0.6},
	{pattern: "scene", uc: Video, weight: 0.6},
}

// Classify maps a query, a modality hint and optional context onto a use
// case. It is pure, never fails, and never touches the network: a zero
// confidence tells the caller the decision is weak, not that it failed.
//
// Two stages: keyword-signal votes over the static table, then a fixed boost
// for use cases whose affinity set matches the modality hint. Ties break
// lexicographically by use-case name so results are deterministic.
func Classify(query string, hint Modality, context map[string]string) Classification {
	q := strings.ToLower(query)

	if strings.TrimSpace(q) == "" {
		return Classification{UseCase: Agent, Confidence: 0, Defaulted: true}
	}

	scores := make(map[UseCase]float64, len(Catalog))
	var matched []string

	score := func(text string, weight float64) {
		for _, s := range signalTable {
			if !strings.Contains(text, s.pattern) {
				continue
			}
			if s.unless != "" && strings.Contains(text, s.unless) {
				continue
			}
			scores[s.uc] += s.weight * weight
			matched = append(matched, s.pattern)
		}
	}

	score(q, 1.0)
	for _, v := range context {
		score(strings.ToLower(v), contextWeight)
	}

	// Modality tiebreak: boost only use cases that already received votes.
	// A bare hint never outweighs explicit keyword signals.
	if hint != ModalityUnknown && hint != "" {
		for uc := range Catalog {
			if HasAffinity(uc, hint) && scores[uc] > 0 {
				scores[uc] += modalityBoost
			}
		}
	}

	var sum float64
	for _, v := range scores {
		sum += v
	}

	if sum < scoreFloor {
		conf := sum
		if conf > scoreFloor {
			conf = scoreFloor
		}
		return Classification{UseCase: Agent, Confidence: conf, MatchedSignals: dedupe(matched), Defaulted: true}
	}

	// Highest score wins; equal scores resolve to the lexicographically
	// smaller name. All() is sorted, so the first strict improvement wins.
	winner := Agent
	best := -1.0
	for _, uc := range All() {
		if scores[uc] > best {
			best = scores[uc]
			winner = uc
		}
	}

	conf := best / (sum + epsilon)
	if conf > 1 {
		conf = 1
	}
	if conf < 0 {
		conf = 0
	}

	return Classification{UseCase: winner, Confidence: conf, MatchedSignals: dedupe(matched)}
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
