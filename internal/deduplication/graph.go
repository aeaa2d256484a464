package deduplication

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	maxGroupReasons   = 3
	maxAnalysisEdges  = 12
	maxExcerpts       = 2
	maxExcerptRunes   = 400
	reasonSeparator   = "; "
	groupIDPrefix     = "dup-"
	groupIDHashLength = 12
)

// Relation is one accepted "RemoveID duplicates KeepID" assertion
type Relation struct {
	KeepID     string
	RemoveID   string
	Confidence float64
	Reason     string
	Analysis   string
}

// bestRelations keeps the highest-confidence relation per (remove, keep)
// pair. The first relation wins ties. Output order follows first appearance.
func bestRelations(relations []Relation) []Relation {
	type pair struct{ remove, keep string }
	index := map[pair]int{}
	out := make([]Relation, 0, len(relations))
	for _, r := range relations {
		p := pair{r.RemoveID, r.KeepID}
		if i, ok := index[p]; ok {
			if r.Confidence > out[i].Confidence {
				out[i] = r
			}
			continue
		}
		index[p] = len(out)
		out = append(out, r)
	}
	return out
}

// graph is an undirected adjacency list over node indexes
type graph struct {
	ids   []string
	index map[string]int
	adj   [][]int
}

func newGraph() *graph {
	return &graph{index: map[string]int{}}
}

func (g *graph) node(id string) int {
	if i, ok := g.index[id]; ok {
		return i
	}
	i := len(g.ids)
	g.index[id] = i
	g.ids = append(g.ids, id)
	g.adj = append(g.adj, nil)
	return i
}

func (g *graph) connect(a, b string) {
	i, j := g.node(a), g.node(b)
	g.adj[i] = append(g.adj[i], j)
	g.adj[j] = append(g.adj[j], i)
}

// components returns the connected components with more than one node,
// using an explicit stack so deep components cannot exhaust the goroutine stack.
func (g *graph) components() [][]string {
	seen := make([]bool, len(g.ids))
	var out [][]string
	for start := range g.ids {
		if seen[start] {
			continue
		}
		seen[start] = true
		stack := []int{start}
		var members []string
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			members = append(members, g.ids[n])
			for _, m := range g.adj[n] {
				if !seen[m] {
					seen[m] = true
					stack = append(stack, m)
				}
			}
		}
		if len(members) > 1 {
			out = append(out, members)
		}
	}
	return out
}

// consolidate turns accepted relations into suggestions and the list of
// products they reference.
func consolidate(relations []Relation, docs []*Document) ([]Suggestion, []InvolvedProduct) {
	relations = bestRelations(relations)
	byID := make(map[string]*Document, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}

	g := newGraph()
	for _, r := range relations {
		g.connect(r.KeepID, r.RemoveID)
	}

	suggestions := []Suggestion{}
	for _, members := range g.components() {
		inComponent := make(map[string]bool, len(members))
		for _, id := range members {
			inComponent[id] = true
		}
		var edges []Relation
		for _, r := range relations {
			if inComponent[r.KeepID] {
				edges = append(edges, r)
			}
		}
		suggestions = append(suggestions, buildSuggestion(members, edges, byID))
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		if suggestions[i].Confidence != suggestions[j].Confidence {
			return suggestions[i].Confidence > suggestions[j].Confidence
		}
		return suggestions[i].GroupID < suggestions[j].GroupID
	})

	involved := []InvolvedProduct{}
	listed := map[string]bool{}
	for _, s := range suggestions {
		for _, id := range s.ComparedIDs {
			if listed[id] {
				continue
			}
			listed[id] = true
			if d, ok := byID[id]; ok {
				involved = append(involved, involvedProduct(d))
			}
		}
	}
	return suggestions, involved
}

func buildSuggestion(members []string, edges []Relation, byID map[string]*Document) Suggestion {
	inWeight := map[string]float64{}
	outWeight := map[string]float64{}
	for _, e := range edges {
		inWeight[e.KeepID] += e.Confidence
		outWeight[e.RemoveID] += e.Confidence
	}

	candidates := append([]string(nil), members...)
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if inWeight[a] != inWeight[b] {
			return inWeight[a] > inWeight[b]
		}
		if outWeight[a] != outWeight[b] {
			return outWeight[a] < outWeight[b]
		}
		ca, cb := createdAt(byID, a), createdAt(byID, b)
		if !ca.Equal(cb) {
			return ca.Before(cb)
		}
		return a < b
	})
	keep := candidates[0]

	removes := append([]string(nil), candidates[1:]...)
	sort.Slice(removes, func(i, j int) bool {
		a, b := removes[i], removes[j]
		ca, cb := createdAt(byID, a), createdAt(byID, b)
		if !ca.Equal(cb) {
			return ca.After(cb)
		}
		return a < b
	})

	sorted := append([]Relation(nil), edges...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Confidence > sorted[j].Confidence })

	confidence := 0.0
	if len(sorted) > 0 {
		confidence = sorted[0].Confidence
	}

	return Suggestion{
		GroupID:      groupID(members),
		KeepID:       keep,
		RemoveIDs:    removes,
		Confidence:   confidence,
		Reason:       groupReason(sorted),
		AnalysisText: groupAnalysis(sorted),
		ComparedIDs:  append([]string{keep}, removes...),
	}
}

// createdAt returns the zero time for ids outside the scanned set
func createdAt(byID map[string]*Document, id string) time.Time {
	if d, ok := byID[id]; ok {
		return d.CreatedAt
	}
	return time.Time{}
}

func groupID(members []string) string {
	ids := append([]string(nil), members...)
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, "|")))
	return groupIDPrefix + hex.EncodeToString(sum[:])[:groupIDHashLength]
}

// groupReason joins up to three distinct reasons, strongest first
func groupReason(sorted []Relation) string {
	seen := map[string]bool{}
	var reasons []string
	for _, r := range sorted {
		reason := strings.TrimSpace(r.Reason)
		if reason == "" || seen[reason] {
			continue
		}
		seen[reason] = true
		reasons = append(reasons, reason)
		if len(reasons) == maxGroupReasons {
			break
		}
	}
	return strings.Join(reasons, reasonSeparator)
}

func groupAnalysis(sorted []Relation) string {
	var b strings.Builder
	for i, r := range sorted {
		if i == maxAnalysisEdges {
			fmt.Fprintf(&b, "... %d more\n", len(sorted)-maxAnalysisEdges)
			break
		}
		fmt.Fprintf(&b, "%s -> %s: %s\n", r.RemoveID, r.KeepID, formatConfidence(r.Confidence))
	}

	seen := map[string]bool{}
	excerpts := 0
	for _, r := range sorted {
		text := strings.TrimSpace(r.Analysis)
		if text == "" || seen[text] {
			continue
		}
		seen[text] = true
		b.WriteString("\n")
		b.WriteString(truncateRunes(text, maxExcerptRunes))
		excerpts++
		if excerpts == maxExcerpts {
			break
		}
	}
	return strings.TrimSpace(b.String())
}

func formatConfidence(c float64) string {
	if c == float64(int64(c)) {
		return fmt.Sprintf("%d", int64(c))
	}
	return fmt.Sprintf("%.1f", c)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func involvedProduct(d *Document) InvolvedProduct {
	p := InvolvedProduct{
		ID:          d.ID,
		Category:    d.Category,
		Brand:       d.Brand,
		Name:        d.Name,
		OneSentence: d.OneSentence,
		CreatedAt:   d.CreatedAt,
	}
	if d.ImagePath != "" {
		p.ImageURL = "/" + strings.TrimPrefix(d.ImagePath, "/")
	}
	return p
}
