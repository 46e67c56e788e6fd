package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"

	"github.com/hupe1980/agentpool/core"
	"github.com/hupe1980/agentpool/inference"
)

// HandlerFunc processes one operation and returns the output value, a
// confidence score in [0,1] derived from the computation, and an error.
type HandlerFunc func(ctx context.Context, op core.Operation) (any, float64, error)

// HandlerRegistry maps task categories to handlers. Every handler body is a
// real deterministic computation over the payload; language-processing
// delegates to the injected inference backend. Confidence scores are derived
// from measurable properties of each computation, never fabricated.
type HandlerRegistry struct {
	handlers map[core.TaskCategory]HandlerFunc
}

// NewHandlerRegistry builds a registry with the default handlers for every
// category. The backend serves language-processing operations;
// inference.NewLocal() is a deterministic offline choice.
func NewHandlerRegistry(backend inference.Backend) *HandlerRegistry {
	if backend == nil {
		backend = inference.NewLocal()
	}
	r := &HandlerRegistry{handlers: make(map[core.TaskCategory]HandlerFunc)}
	r.Register(core.CategoryLanguage, languageHandler(backend))
	r.Register(core.CategoryLearning, learningHandler)
	r.Register(core.CategoryAnalysis, analysisHandler)
	r.Register(core.CategoryDecision, decisionHandler)
	r.Register(core.CategoryPattern, patternHandler)
	r.Register(core.CategoryGeneric, genericHandler)
	return r
}

// Register installs or replaces the handler for a category.
func (r *HandlerRegistry) Register(category core.TaskCategory, fn HandlerFunc) {
	r.handlers[category] = fn
}

// Handle dispatches the operation to its category handler, falling back to
// the generic handler for unknown categories.
func (r *HandlerRegistry) Handle(ctx context.Context, op core.Operation) (any, float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	fn, ok := r.handlers[op.Category]
	if !ok {
		fn = r.handlers[core.CategoryGeneric]
	}
	return fn(ctx, op)
}

// languageHandler delegates to the inference backend. The confidence is a
// fixed trust score for backend output since completions carry no
// self-assessment.
func languageHandler(backend inference.Backend) HandlerFunc {
	return func(ctx context.Context, op core.Operation) (any, float64, error) {
		prompt, ok := op.Payload.(string)
		if !ok {
			prompt = fmt.Sprint(op.Payload)
		}
		out, err := backend.Complete(ctx, prompt)
		if err != nil {
			return nil, 0, &core.CollaboratorError{Collaborator: "inference", Err: err}
		}
		return out, 0.9, nil
	}
}

// learningHandler fits a least-squares line over a numeric series and
// predicts the next value. Confidence is the coefficient of determination
// (R squared) of the fit.
func learningHandler(_ context.Context, op core.Operation) (any, float64, error) {
	series, err := toFloats(op.Payload)
	if err != nil {
		return nil, 0, err
	}
	if len(series) < 2 {
		return nil, 0, fmt.Errorf("prediction requires at least two data points, got %d", len(series))
	}

	n := float64(len(series))
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range series {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	var slope float64
	if denom != 0 {
		slope = (n*sumXY - sumX*sumY) / denom
	}
	intercept := (sumY - slope*sumX) / n
	next := slope*n + intercept

	mean := sumY / n
	var ssRes, ssTot float64
	for i, y := range series {
		fit := slope*float64(i) + intercept
		ssRes += (y - fit) * (y - fit)
		ssTot += (y - mean) * (y - mean)
	}
	r2 := 1.0
	if ssTot > 0 {
		r2 = clamp01(1 - ssRes/ssTot)
	}

	return map[string]any{
		"slope":     slope,
		"intercept": intercept,
		"next":      next,
		"r2":        r2,
	}, r2, nil
}

// analysisHandler computes descriptive statistics. Numeric payloads yield
// mean/min/max/stddev with confidence from dispersion; textual payloads
// yield token frequencies with confidence from top-token coverage.
func analysisHandler(_ context.Context, op core.Operation) (any, float64, error) {
	if series, err := toFloats(op.Payload); err == nil && len(series) > 0 {
		minV, maxV := series[0], series[0]
		var sum float64
		for _, v := range series {
			sum += v
			if v < minV {
				minV = v
			}
			if v > maxV {
				maxV = v
			}
		}
		mean := sum / float64(len(series))
		var variance float64
		for _, v := range series {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(len(series))
		stddev := math.Sqrt(variance)

		// Tighter dispersion relative to the mean means a more
		// representative summary.
		confidence := clamp01(1 - stddev/(math.Abs(mean)+1))
		return map[string]any{
			"count":  len(series),
			"mean":   mean,
			"min":    minV,
			"max":    maxV,
			"stddev": stddev,
		}, confidence, nil
	}

	text, ok := op.Payload.(string)
	if !ok {
		return nil, 0, fmt.Errorf("analysis payload must be numeric series or text, got %T", op.Payload)
	}
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		return nil, 0, fmt.Errorf("analysis payload is empty")
	}
	freq := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		freq[tok]++
	}
	topToken, topCount := "", 0
	for tok, c := range freq {
		if c > topCount || (c == topCount && tok < topToken) {
			topToken, topCount = tok, c
		}
	}
	coverage := float64(topCount) / float64(len(tokens))
	return map[string]any{
		"tokens":    len(tokens),
		"distinct":  len(freq),
		"top":       topToken,
		"top_count": topCount,
	}, clamp01(0.6 + 0.4*coverage), nil
}

// decisionHandler picks the highest-scoring option from a score map.
// Confidence grows with the margin between the best and second-best score.
func decisionHandler(_ context.Context, op core.Operation) (any, float64, error) {
	scores, err := toScores(op.Payload)
	if err != nil {
		return nil, 0, err
	}
	if len(scores) == 0 {
		return nil, 0, fmt.Errorf("decision payload has no options")
	}

	options := make([]string, 0, len(scores))
	for opt := range scores {
		options = append(options, opt)
	}
	sort.Strings(options)

	best, second := math.Inf(-1), math.Inf(-1)
	choice := ""
	for _, opt := range options {
		s := scores[opt]
		if s > best {
			second = best
			best, choice = s, opt
		} else if s > second {
			second = s
		}
	}

	margin := 0.0
	if len(scores) > 1 && best != 0 {
		margin = clamp01((best - second) / math.Abs(best))
	} else if len(scores) == 1 {
		margin = 1
	}

	return map[string]any{
		"choice": choice,
		"score":  best,
		"margin": margin,
	}, clamp01(0.5 + 0.5*margin), nil
}

// patternHandler scans text for repeated trigrams. Confidence reflects how
// much of the input the repeated patterns cover.
func patternHandler(_ context.Context, op core.Operation) (any, float64, error) {
	text, ok := op.Payload.(string)
	if !ok {
		return nil, 0, fmt.Errorf("pattern payload must be a string, got %T", op.Payload)
	}
	const n = 3
	if len(text) < n {
		return nil, 0, fmt.Errorf("pattern payload shorter than %d characters", n)
	}

	counts := make(map[string]int)
	for i := 0; i+n <= len(text); i++ {
		counts[text[i:i+n]]++
	}
	repeated := make([]string, 0)
	repeatedChars := 0
	for gram, c := range counts {
		if c > 1 {
			repeated = append(repeated, gram)
			repeatedChars += c * n
		}
	}
	sort.Strings(repeated)
	coverage := clamp01(float64(repeatedChars) / float64(len(text)))

	return map[string]any{
		"patterns": repeated,
		"coverage": coverage,
	}, clamp01(0.5 + 0.5*coverage), nil
}

// genericHandler echoes the payload with a checksum. The work is exact, so
// confidence is 1.
func genericHandler(_ context.Context, op core.Operation) (any, float64, error) {
	h := fnv.New64a()
	fmt.Fprint(h, op.Payload)
	return map[string]any{
		"echo":     op.Payload,
		"checksum": fmt.Sprintf("%016x", h.Sum64()),
	}, 1.0, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// toFloats converts the supported numeric payload shapes into a float slice.
func toFloats(payload any) ([]float64, error) {
	switch v := payload.(type) {
	case []float64:
		return v, nil
	case []int:
		out := make([]float64, len(v))
		for i, n := range v {
			out[i] = float64(n)
		}
		return out, nil
	case []any:
		out := make([]float64, len(v))
		for i, e := range v {
			switch n := e.(type) {
			case float64:
				out[i] = n
			case int:
				out[i] = float64(n)
			default:
				return nil, fmt.Errorf("element %d is not numeric: %T", i, e)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("payload is not a numeric series: %T", payload)
	}
}

// toScores converts the supported option-score payload shapes.
func toScores(payload any) (map[string]float64, error) {
	switch v := payload.(type) {
	case map[string]float64:
		return v, nil
	case map[string]any:
		out := make(map[string]float64, len(v))
		for k, e := range v {
			switch n := e.(type) {
			case float64:
				out[k] = n
			case int:
				out[k] = float64(n)
			default:
				return nil, fmt.Errorf("option %q score is not numeric: %T", k, e)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("payload is not an option score map: %T", payload)
	}
}
