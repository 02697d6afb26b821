// Copyright 2025 the Switchboard authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package index implements ranked lexical search over the actions of all
// connected servers.
//
// With many servers each exposing dozens of actions, a caller cannot
// profitably enumerate every tool definition. The index projects each
// action into weighted text fields (identity fields highest, descriptive
// fields high, parameter fields lower) and answers free-text queries with
// BM25 ranking. Field weights are pre-multiplied into term frequency at
// index time.
//
// The reconciler is the only writer: it replaces a server's documents
// atomically after each successful connect and clears them on disconnect.
// Searches may run concurrently with rebuilds for other servers.
package index

import (
	"encoding/json"
	"math"
	"sort"
	"sync"

	"github.com/switchboard-mcp/switchboard/internal/transport"
)

// Weights assigns a relative weight to each document field.
type Weights struct {
	// ActionName weights terms from the action's own name.
	ActionName float64
	// ServerName weights terms from the owning server's name.
	ServerName float64
	// Description weights terms from the action description.
	Description float64
	// ParamName weights terms from parameter names.
	ParamName float64
	// ParamDescription weights terms from parameter descriptions.
	ParamDescription float64
}

// DefaultWeights returns the standard field weighting: identity fields
// above descriptions above parameter text.
func DefaultWeights() Weights {
	return Weights{
		ActionName:       4.0,
		ServerName:       2.0,
		Description:      3.0,
		ParamName:        1.5,
		ParamDescription: 1.0,
	}
}

// Config tunes the ranking function.
type Config struct {
	// K1 is the BM25 term-frequency saturation constant (default 1.2).
	K1 float64
	// B is the BM25 length-normalization constant (default 0.75).
	B float64
	// Weights are the per-field weights (default DefaultWeights).
	Weights Weights
}

// Hit is one ranked search result.
type Hit struct {
	// Server is the owning server's name.
	Server string `json:"server"`
	// Action is the action name.
	Action string `json:"action"`
	// Description is the action's description text.
	Description string `json:"description"`
	// Score is the BM25 relevance score.
	Score float64 `json:"score"`
}

// docKey identifies one indexed action.
type docKey struct {
	server string
	action string
}

// document is one indexed action with its derived term statistics.
type document struct {
	description string
	// terms maps term to weighted term frequency.
	terms map[string]float64
	// length is the weighted document length (sum of term frequencies).
	length float64
}

// Index is the searchable corpus of all connected servers' actions.
type Index struct {
	// cfg holds the tuning constants, fixed at construction.
	cfg Config

	// docs maps document key to its term statistics.
	docs map[docKey]*document

	// byServer tracks each server's document keys for atomic rebuilds.
	byServer map[string][]docKey

	// totalLength is the sum of all document lengths, for avgdl.
	totalLength float64

	// mu protects all of the above.
	mu sync.RWMutex
}

// New creates an empty index.
func New(cfg Config) *Index {
	if cfg.K1 == 0 {
		cfg.K1 = 1.2
	}
	if cfg.B == 0 {
		cfg.B = 0.75
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights()
	}

	return &Index{
		cfg:      cfg,
		docs:     make(map[docKey]*document),
		byServer: make(map[string][]docKey),
	}
}

// Rebuild atomically replaces all documents for one server.
// Passing an empty action list clears the server from the index, which
// is how the reconciler handles disconnects.
func (ix *Index) Rebuild(server string, actions []transport.ActionSpec) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, key := range ix.byServer[server] {
		if doc, ok := ix.docs[key]; ok {
			ix.totalLength -= doc.length
			delete(ix.docs, key)
		}
	}
	delete(ix.byServer, server)

	if len(actions) == 0 {
		return
	}

	keys := make([]docKey, 0, len(actions))
	for _, action := range actions {
		key := docKey{server: server, action: action.Name}
		doc := ix.project(server, action)
		// Last writer wins on duplicate action names; servers should
		// not expose them, and the key space stays consistent.
		if old, ok := ix.docs[key]; ok {
			ix.totalLength -= old.length
		} else {
			keys = append(keys, key)
		}
		ix.docs[key] = doc
		ix.totalLength += doc.length
	}
	ix.byServer[server] = keys
}

// project converts one action into a weighted term-frequency document.
func (ix *Index) project(server string, action transport.ActionSpec) *document {
	doc := &document{
		description: action.Description,
		terms:       make(map[string]float64),
	}

	w := ix.cfg.Weights
	doc.add(Tokenize(action.Name), w.ActionName)
	doc.add(Tokenize(server), w.ServerName)
	doc.add(Tokenize(action.Description), w.Description)

	names, descriptions := schemaText(action.InputSchema)
	for _, name := range names {
		doc.add(Tokenize(name), w.ParamName)
	}
	for _, text := range descriptions {
		doc.add(Tokenize(text), w.ParamDescription)
	}

	return doc
}

func (d *document) add(tokens []string, weight float64) {
	for _, token := range tokens {
		d.terms[token] += weight
		d.length += weight
	}
}

// schemaText pulls parameter names and descriptions out of a JSON Schema
// parameter definition. Malformed schemas contribute nothing rather than
// failing the rebuild.
func schemaText(schema json.RawMessage) (names, descriptions []string) {
	if len(schema) == 0 {
		return nil, nil
	}

	var parsed struct {
		Properties map[string]struct {
			Description string `json:"description"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(schema, &parsed); err != nil {
		return nil, nil
	}

	// Sort for deterministic term statistics (map order is random).
	names = make([]string, 0, len(parsed.Properties))
	for name := range parsed.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if desc := parsed.Properties[name].Description; desc != "" {
			descriptions = append(descriptions, desc)
		}
	}
	return names, descriptions
}

// Search answers a ranked free-text query.
//
// scope limits results to the named servers; nil means all servers. An
// empty query, an unknown term, or a scope matching nothing yields an
// empty result, never an error. Ties are broken by (server, action) in
// lexical order so repeated searches are reproducible.
func (ix *Index) Search(query string, scope []string, maxResults int) []Hit {
	terms := Tokenize(query)
	if len(terms) == 0 || maxResults <= 0 {
		return nil
	}

	var scopeSet map[string]bool
	if scope != nil {
		scopeSet = make(map[string]bool, len(scope))
		for _, server := range scope {
			scopeSet[server] = true
		}
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := len(ix.docs)
	if n == 0 {
		return nil
	}
	avgLength := ix.totalLength / float64(n)

	// Document frequency per query term, over the whole corpus so that
	// scoring is independent of the scope filter.
	df := make(map[string]int, len(terms))
	for _, term := range terms {
		if _, seen := df[term]; seen {
			continue
		}
		count := 0
		for _, doc := range ix.docs {
			if _, ok := doc.terms[term]; ok {
				count++
			}
		}
		df[term] = count
	}

	k1, b := ix.cfg.K1, ix.cfg.B

	hits := make([]Hit, 0, 16)
	for key, doc := range ix.docs {
		if scopeSet != nil && !scopeSet[key.server] {
			continue
		}

		score := 0.0
		for term, count := range df {
			tf, ok := doc.terms[term]
			if !ok || count == 0 {
				continue
			}
			idf := math.Log(1 + (float64(n)-float64(count)+0.5)/(float64(count)+0.5))
			norm := k1 * (1 - b + b*doc.length/avgLength)
			score += idf * (tf * (k1 + 1)) / (tf + norm)
		}
		if score > 0 {
			hits = append(hits, Hit{
				Server:      key.server,
				Action:      key.action,
				Description: doc.description,
				Score:       score,
			})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Server != hits[j].Server {
			return hits[i].Server < hits[j].Server
		}
		return hits[i].Action < hits[j].Action
	})

	if len(hits) > maxResults {
		hits = hits[:maxResults]
	}
	return hits
}

// ServerActionCount returns the number of indexed actions for a server.
func (ix *Index) ServerActionCount(server string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byServer[server])
}

// DocumentCount returns the total number of indexed actions.
func (ix *Index) DocumentCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}
