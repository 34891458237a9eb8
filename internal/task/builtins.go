package task

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/mattjoyce/offload/internal/resource"
)

// Multiply returns a*b for a [a, b] pair.
var Multiply = Define("multiply", func(_ context.Context, in [2]float64) float64 {
	return in[0] * in[1]
})

// Sum adds every number in the input list.
var Sum = Define("sum", func(_ context.Context, in []float64) float64 {
	var total float64
	for _, v := range in {
		total += v
	}
	return total
})

// Echo returns its input unchanged.
var Echo = Define("echo", func(_ context.Context, in json.RawMessage) json.RawMessage {
	return in
})

// Digest returns the BLAKE3 hex digest of the input text.
var Digest = Define("digest", func(_ context.Context, in string) string {
	return resource.Digest([]byte(in))
})

// Match is one line found by Grep.
type Match struct {
	Resource string `json:"resource"`
	Line     int    `json:"line"`
	Text     string `json:"text"`
}

// Grep scans every loaded resource for lines containing the input text.
var Grep = Define("grep", func(ctx context.Context, needle string) []Match {
	matches := []Match{}
	for _, res := range resource.FromContext(ctx).All() {
		scanner := bufio.NewScanner(bytes.NewReader(res.Data))
		for n := 1; scanner.Scan(); n++ {
			if strings.Contains(scanner.Text(), needle) {
				matches = append(matches, Match{Resource: res.Locator, Line: n, Text: scanner.Text()})
			}
		}
	}
	return matches
})

// Builtins returns a registry holding every task compiled into this binary.
func Builtins() *Registry {
	r := NewRegistry()
	for _, h := range []Handler{Multiply, Sum, Echo, Digest, Grep} {
		_ = r.Register(h)
	}
	return r
}
