package stream

import "strings"

// Verdict is what a stream payload says about its execution.
type Verdict int

const (
	Progress Verdict = iota
	Complete
	Failure
)

func (v Verdict) String() string {
	switch v {
	case Complete:
		return "complete"
	case Failure:
		return "failed"
	default:
		return "progress"
	}
}

// Classifier inspects a payload for completion or failure. The engine sends
// no structured end marker, so this is a heuristic over the text.
type Classifier interface {
	Classify(message string) Verdict
}

// KeywordClassifier matches case-sensitive substrings. Completion keywords are
// checked before failure keywords.
type KeywordClassifier struct {
	CompleteKeywords []string
	FailureKeywords  []string
}

func DefaultClassifier() *KeywordClassifier {
	return &KeywordClassifier{
		CompleteKeywords: []string{"completed", "Execution completed"},
		FailureKeywords:  []string{"failed", "Error"},
	}
}

func (k *KeywordClassifier) Classify(message string) Verdict {
	for _, kw := range k.CompleteKeywords {
		if kw != "" && strings.Contains(message, kw) {
			return Complete
		}
	}
	for _, kw := range k.FailureKeywords {
		if kw != "" && strings.Contains(message, kw) {
			return Failure
		}
	}
	return Progress
}
