// Package usecase defines the closed set of routing targets and the keyword
// classifier that maps a request onto one of them.
//
// A use case identifies which class of inference backend serves a request
// (text generation, speech-to-text, text-to-speech, vision, ...). The set is
// fixed at compile time; adding a case is a code change, not configuration.
package usecase

import "sort"

// UseCase is one of the fixed routing categories.
type UseCase string

const (
	Agent      UseCase = "agent"
	Avatar     UseCase = "avatar"
	STT        UseCase = "stt"
	TTS        UseCase = "tts"
	Multimodal UseCase = "multimodal"
	Video      UseCase = "video"
)

// Modality is the caller-supplied hint about the dominant input type.
// It biases classification but is never trusted as ground truth.
type Modality string

const (
	ModalityText    Modality = "text"
	ModalityImage   Modality = "image"
	ModalityAudio   Modality = "audio"
	ModalityVideo   Modality = "video"
	ModalityUnknown Modality = "unknown"
)

// ParseModality maps a wire string to a Modality. Empty defaults to text;
// anything unrecognized reports ok=false.
func ParseModality(s string) (Modality, bool) {
	switch s {
	case "":
		return ModalityText, true
	case "text", "image", "audio", "video":
		return Modality(s), true
	}
	return ModalityUnknown, false
}

// Info is the static metadata attached to each use case.
type Info struct {
	// Description is the human-readable summary exposed by GET /use-cases.
	Description string

	// BackendKey is the default backend registry key serving this use case.
	BackendKey string

	// ModelID is the default model identifier requested from that backend.
	ModelID string

	// Affinity lists the input modalities that bias toward this use case.
	Affinity []Modality
}

// Catalog holds the static metadata for every use case.
//
// avatar, multimodal and video deliberately share the "vision" backend key:
// the default deployment serves all three from one vision-language backend.
// Operators can split them via the BACKENDS configuration.
var Catalog = map[UseCase]Info{
	Agent: {
		Description: "General-purpose text generation, coding and reasoning",
		BackendKey:  "text",
		ModelID:     "Qwen/Qwen2.5-7B-Instruct",
		Affinity:    []Modality{ModalityText},
	},
	Avatar: {
		Description: "Talking-head and lip-sync avatar generation",
		BackendKey:  "vision",
		ModelID:     "Qwen/Qwen2.5-VL-7B-Instruct",
		Affinity:    []Modality{ModalityImage, ModalityVideo},
	},
	STT: {
		Description: "Speech-to-text transcription",
		BackendKey:  "speech",
		ModelID:     "openai/whisper-large-v3",
		Affinity:    []Modality{ModalityAudio},
	},
	TTS: {
		Description: "Text-to-speech synthesis",
		BackendKey:  "voice",
		ModelID:     "tts-1",
		Affinity:    []Modality{ModalityText, ModalityAudio},
	},
	Multimodal: {
		Description: "Image understanding and visual question answering",
		BackendKey:  "vision",
		ModelID:     "Qwen/Qwen2.5-VL-7B-Instruct",
		Affinity:    []Modality{ModalityImage},
	},
	Video: {
		Description: "Video understanding and frame-level analysis",
		BackendKey:  "vision",
		ModelID:     "Qwen/Qwen2.5-VL-7B-Instruct",
		Affinity:    []Modality{ModalityVideo},
	},
}

// All returns every use case in lexicographic order. The order is part of
// the classifier's tie-break contract, so keep it sorted.
func All() []UseCase {
	out := make([]UseCase, 0, len(Catalog))
	for uc := range Catalog {
		out = append(out, uc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Valid reports whether uc names a known use case.
func Valid(uc UseCase) bool {
	_, ok := Catalog[uc]
	return ok
}

// HasAffinity reports whether m is in the affinity set of uc.
func HasAffinity(uc UseCase, m Modality) bool {
	for _, a := range Catalog[uc].Affinity {
		if a == m {
			return true
		}
	}
	return false
}
