// Package signal defines the trading signal returned by chart analysis and parses it
// out of model output.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kaptinlin/jsonrepair"
)

// Signal is the recommended action.
type Signal string

const (
	Buy     Signal = "BUY"
	Sell    Signal = "SELL"
	Neutral Signal = "NEUTRAL"
)

// Valid reports whether s is one of the known signals.
func (s Signal) Valid() bool {
	switch s {
	case Buy, Sell, Neutral:
		return true
	}
	return false
}

// Result is the outcome of analysing one chart.
type Result struct {
	Signal     Signal  `json:"signal"`
	Confidence float64 `json:"confidence"`
	Analysis   string  `json:"analysis"`
}

// ErrMalformedResponse is returned when the model answered but its output does not
// hold a valid result.
var ErrMalformedResponse = errors.New("malformed response")

// DefaultPrompt asks the model for exactly one JSON object in the Result shape.
const DefaultPrompt = `You are a technical analyst. Study the trading chart in the image and decide whether it signals BUY, SELL or NEUTRAL.
Reply with exactly one JSON object and nothing else, in this form:
{"signal": "BUY" | "SELL" | "NEUTRAL", "confidence": <number from 0 to 100>, "analysis": "<short explanation of the patterns, trend and levels you used>"}`

// wireResult mirrors the JSON the model is asked for. Confidence is a pointer so a
// missing value can be told apart from zero.
type wireResult struct {
	Signal     string   `json:"signal" validate:"required,oneof=BUY SELL NEUTRAL"`
	Confidence *float64 `json:"confidence" validate:"required,gte=0,lte=100"`
	Analysis   string   `json:"analysis"`
}

var validate = validator.New()

// Parse extracts the first JSON object from model text, repairing minor syntax
// damage, and validates it. Any failure wraps ErrMalformedResponse.
func Parse(text string) (Result, error) {
	raw, ok := extractObject(text)
	if !ok {
		return Result{}, fmt.Errorf("%w: no JSON object in model output", ErrMalformedResponse)
	}

	var w wireResult
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(raw)
		if rerr != nil {
			return Result{}, fmt.Errorf("%w: decode: %w", ErrMalformedResponse, err)
		}
		w = wireResult{}
		if err := json.Unmarshal([]byte(repaired), &w); err != nil {
			return Result{}, fmt.Errorf("%w: decode repaired output: %w", ErrMalformedResponse, err)
		}
	}

	w.Signal = strings.ToUpper(strings.TrimSpace(w.Signal))
	if err := validate.Struct(&w); err != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrMalformedResponse, describe(err))
	}

	return Result{
		Signal:     Signal(w.Signal),
		Confidence: *w.Confidence,
		Analysis:   w.Analysis,
	}, nil
}

// extractObject returns the text between the first '{' and the last '}'.
func extractObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", field))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s, got %v", field, strings.ReplaceAll(fe.Param(), " ", ", "), fe.Value()))
		case "gte", "lte":
			msgs = append(msgs, fmt.Sprintf("%s must be within [0,100], got %v", field, fe.Value()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed validation: %s", field, fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}
