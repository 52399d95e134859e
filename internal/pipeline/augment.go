package pipeline

import (
	"github.com/kalambet/askcube/internal/retrieval"
)

// MinAugmentRating is the lowest feedback rating that lets a past question
// steer a new one.
const MinAugmentRating = 4

// Augment folds the best-rated similar question into text. Among matches
// carrying a rating, the highest wins and the earliest (nearest) wins ties.
// When that rating is at least MinAugmentRating the text gains a
// "(Consider previous feedback: ...)" suffix; otherwise it is unchanged.
// The chosen match is returned for logging, or nil.
func Augment(text string, matches []retrieval.Match) (string, *retrieval.Match) {
	best := -1
	bestRating := 0
	for i, m := range matches {
		r, ok := m.Rating()
		if !ok {
			continue
		}
		if best < 0 || r > bestRating {
			best, bestRating = i, r
		}
	}
	if best < 0 || bestRating < MinAugmentRating {
		return text, nil
	}
	m := matches[best]
	return text + " (Consider previous feedback: " + m.Query + ")", &m
}

// similarInfo is the summary of one neighbour stored with an outcome.
type similarInfo struct {
	Query           string `json:"query"`
	Rating          *int   `json:"rating"`
	Status          string `json:"status,omitempty"`
	StructuredQuery string `json:"structured_query,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

func summarizeSimilar(matches []retrieval.Match) []similarInfo {
	out := make([]similarInfo, 0, len(matches))
	for _, m := range matches {
		info := similarInfo{
			Query:           m.Query,
			Status:          m.Status(),
			StructuredQuery: m.StructuredQuery(),
			ErrorMessage:    m.ErrorMessage(),
		}
		if r, ok := m.Rating(); ok {
			info.Rating = &r
		}
		out = append(out, info)
	}
	return out
}
