package contexthash

import (
	"testing"

	"github.com/salilkadam/inference-router/internal/usecase"
)

func TestHashStableAcrossCalls(t *testing.T) {
	ctx := map[string]string{"project": "demo", "lang": "en"}
	a := Hash("write a function that parses JSON", usecase.ModalityText, ctx)
	b := Hash("write a function that parses JSON", usecase.ModalityText, ctx)
	if a != b {
		t.Fatalf("same input hashed differently: %d vs %d", a, b)
	}
}

func TestHashIgnoresParaphrase(t *testing.T) {
	// Same topical tokens, different stopwords and ordering.
	a := Hash("please transcribe recording meeting", usecase.ModalityAudio, nil)
	b := Hash("transcribe the meeting recording", usecase.ModalityAudio, nil)
	if a != b {
		t.Fatalf("paraphrase changed hash: %d vs %d", a, b)
	}
}

func TestHashChangesOnModalitySwitch(t *testing.T) {
	a := Hash("process this input", usecase.ModalityText, nil)
	b := Hash("process this input", usecase.ModalityAudio, nil)
	if a == b {
		t.Fatal("modality switch did not change the hash")
	}
}

func TestHashChangesOnTopicSwitch(t *testing.T) {
	a := Hash("write a sorting function in go", usecase.ModalityText, nil)
	b := Hash("now translate this audio recording", usecase.ModalityAudio, nil)
	if a == b {
		t.Fatal("topic switch did not change the hash")
	}
}

func TestHashContextKeyOrderIndependent(t *testing.T) {
	// Go map iteration order is random; two logically equal maps must hash
	// identically. Run enough times to catch ordering bugs.
	for i := 0; i < 20; i++ {
		a := Hash("q", usecase.ModalityText, map[string]string{"a": "1", "b": "2", "c": "3"})
		b := Hash("q", usecase.ModalityText, map[string]string{"c": "3", "a": "1", "b": "2"})
		if a != b {
			t.Fatalf("context key order changed hash on run %d", i)
		}
	}
}

func TestShapeTokensTopK(t *testing.T) {
	tokens := shapeTokens("alpha bravo charlie delta echo foxtrot golf hotel india juliett kilo")
	if len(tokens) != topK {
		t.Fatalf("got %d tokens, want %d", len(tokens), topK)
	}
}

func TestShapeTokensStripsPunctuationAndStopwords(t *testing.T) {
	tokens := shapeTokens("The quick, (brown) fox!")
	for _, tok := range tokens {
		if stopwords[tok] {
			t.Fatalf("stopword %q survived", tok)
		}
		switch tok {
		case "quick", "brown", "fox":
		default:
			t.Fatalf("unexpected token %q", tok)
		}
	}
}
