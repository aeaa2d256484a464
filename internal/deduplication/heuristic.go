package deduplication

import (
	"sort"
	"strings"
	"unicode"
)

// titleWeight is the share of the title score in the combined similarity
const titleWeight = 0.6

// Similarity is a cheap 0-1 estimate of how alike two products are: brand and
// name token overlap blended with ingredient overlap. Products in different
// categories always score 0.
func Similarity(a, b *Document) float64 {
	if a.Category != b.Category {
		return 0
	}
	title := jaccard(titleTokens(a), titleTokens(b))
	ia, ib := ingredientSet(a.Ingredients), ingredientSet(b.Ingredients)
	if len(ia) == 0 && len(ib) == 0 {
		return title
	}
	return titleWeight*title + (1-titleWeight)*jaccard(ia, ib)
}

// titleTokens splits brand and name into lowercase words. Han characters
// are taken one by one since CJK names carry no spaces.
func titleTokens(d *Document) map[string]bool {
	tokens := map[string]bool{}
	var word []rune
	flush := func() {
		if len(word) > 0 {
			tokens[string(word)] = true
			word = word[:0]
		}
	}
	for _, r := range strings.ToLower(d.Brand + " " + d.Name) {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			tokens[string(r)] = true
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			word = append(word, r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

func ingredientSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			set[n] = true
		}
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

type scoredCandidate struct {
	doc   *Document
	score float64
}

// rankCandidates orders candidates by heuristic similarity to the anchor,
// most similar first, dropping those below minScore when minScore > 0.
// Equal scores keep their input order.
func rankCandidates(anchor *Document, candidates []*Document, minScore float64) []*Document {
	scored := make([]scoredCandidate, 0, len(candidates))
	for _, c := range candidates {
		s := Similarity(anchor, c)
		if minScore > 0 && s < minScore {
			continue
		}
		scored = append(scored, scoredCandidate{doc: c, score: s})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	out := make([]*Document, len(scored))
	for i, s := range scored {
		out[i] = s.doc
	}
	return out
}
