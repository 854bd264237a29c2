// Package dataset recovers the schedule, activity and homework datasets
// from a generated response. Each dataset is located and decoded on its
// own; an absent section yields an empty dataset and a malformed one is
// reported without affecting the others.
package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"schoolcal/internal/extract"
)

// Dataset names used in logs and decode errors.
const (
	NameSchedule   = "schedule"
	NameActivities = "activities"
	NameHomework   = "homework"
)

// DecodeError reports an extracted region that is not valid JSON for its
// dataset. Raw carries the region verbatim for diagnosis.
type DecodeError struct {
	Dataset string
	Raw     string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s dataset: %v", e.Dataset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ErrNotFound marks a dataset section that is absent from the text.
var ErrNotFound = errors.New("dataset not found")

// Result holds the three datasets. Schedule is nil when the response has
// no schedule block; Activities and Homework are never nil.
type Result struct {
	Schedule        Schedule        `json:"schedule"`
	Activities      []ActivityEntry `json:"activities"`
	Homework        []HomeworkEntry `json:"homework"`
	DroppedHomework int             `json:"dropped_homework"`
	Errors          []*DecodeError  `json:"-"`
}

// Err joins the per-dataset decode errors, or returns nil.
func (r Result) Err() error {
	errs := make([]error, 0, len(r.Errors))
	for _, e := range r.Errors {
		errs = append(errs, e)
	}
	return errors.Join(errs...)
}

var (
	scheduleMarker = regexp.MustCompile(`(?i)"mon(?:day)?"\s*:`)

	// Ordered most to least specific; the capture group is the opening bracket.
	activityPatterns = []*regexp.Regexp{
		regexp.MustCompile("(?i)dataset\\s*2\\b[^`\\[]*```[a-z]*\\s*(\\[)"),
		regexp.MustCompile("(?i)dataset\\s*2\\b[^`\\[]*?(\\[)"),
		regexp.MustCompile(`(?i)"?\bactivities"?\s*[:=]?\s*(\[)`),
	}

	homeworkPattern = regexp.MustCompile("(?i)dataset\\s*3\\b[^`\\[]*?homework[^`\\[]*```[a-z]*\\s*(\\[)")

	otherLabel = regexp.MustCompile(`(?i)dataset\s*[13]\b`)
)

// Parser extracts datasets from generated text.
type Parser struct {
	logger *zap.Logger
}

func NewParser(logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{logger: logger}
}

// Parse is shorthand for a Parser without logging.
func Parse(text string) Result {
	return NewParser(nil).Parse(text)
}

// Parse recovers all three datasets from text.
func (p *Parser) Parse(text string) Result {
	res := Result{
		Activities: []ActivityEntry{},
		Homework:   []HomeworkEntry{},
	}

	schedule, err := p.schedule(text)
	switch {
	case err == nil:
		res.Schedule = schedule
	case errors.Is(err, ErrNotFound):
		p.logger.Debug("schedule dataset absent")
	default:
		res.Errors = append(res.Errors, asDecodeError(err))
	}

	activities, err := p.activities(text)
	switch {
	case err == nil:
		res.Activities = activities
	case errors.Is(err, ErrNotFound):
		p.logger.Debug("activities dataset absent")
	default:
		res.Errors = append(res.Errors, asDecodeError(err))
	}

	homework, dropped, err := p.homework(text)
	switch {
	case err == nil:
		res.Homework = homework
		res.DroppedHomework = dropped
	case errors.Is(err, ErrNotFound):
		p.logger.Debug("homework dataset absent")
	default:
		res.Errors = append(res.Errors, asDecodeError(err))
	}

	for _, de := range res.Errors {
		p.logger.Warn("dataset decode failed",
			zap.String("dataset", de.Dataset),
			zap.Error(de.Err),
			zap.String("raw", de.Raw),
		)
	}
	p.logger.Info("datasets parsed",
		zap.Bool("schedule", res.Schedule != nil),
		zap.Int("activities", len(res.Activities)),
		zap.Int("homework", len(res.Homework)),
		zap.Int("homework_dropped", res.DroppedHomework),
		zap.Int("errors", len(res.Errors)),
	)
	return res
}

func (p *Parser) schedule(text string) (Schedule, error) {
	loc := scheduleMarker.FindStringIndex(text)
	if loc == nil {
		return nil, ErrNotFound
	}
	open := extract.EnclosingOpen(text, loc[0], extract.Object)
	if open == -1 {
		return nil, ErrNotFound
	}
	raw, _, ok := extract.Balanced(text, open, extract.Object)
	if !ok {
		return nil, ErrNotFound
	}
	var out Schedule
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, &DecodeError{Dataset: NameSchedule, Raw: raw, Err: err}
	}
	if out == nil {
		out = Schedule{}
	}
	return out, nil
}

func (p *Parser) activities(text string) ([]ActivityEntry, error) {
	raw, ok := arrayAfter(text, activityPatterns...)
	if !ok {
		return nil, ErrNotFound
	}
	var out []ActivityEntry
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, &DecodeError{Dataset: NameActivities, Raw: raw, Err: err}
	}
	if out == nil {
		out = []ActivityEntry{}
	}
	return out, nil
}

func (p *Parser) homework(text string) ([]HomeworkEntry, int, error) {
	raw, ok := arrayAfter(text, homeworkPattern)
	if !ok {
		return nil, 0, ErrNotFound
	}
	var entries []HomeworkEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, 0, &DecodeError{Dataset: NameHomework, Raw: raw, Err: err}
	}
	out := make([]HomeworkEntry, 0, len(entries))
	dropped := 0
	for _, e := range entries {
		if !e.Valid() {
			dropped++
			continue
		}
		out = append(out, HomeworkEntry{
			Subject:    strings.TrimSpace(e.Subject),
			Assignment: strings.TrimSpace(e.Assignment),
		})
	}
	return out, dropped, nil
}

// arrayAfter tries each pattern in order and extracts the array whose
// opening bracket is the pattern's first capture group. A labelled match
// that runs past another dataset's label is discarded.
func arrayAfter(text string, patterns ...*regexp.Regexp) (string, bool) {
	for _, re := range patterns {
		m := re.FindStringSubmatchIndex(text)
		if m == nil || len(m) < 4 {
			continue
		}
		span := text[m[0]:m[2]]
		if labels := otherLabel.FindAllStringIndex(span, -1); len(labels) > 0 && labels[len(labels)-1][0] > 0 {
			continue
		}
		raw, _, ok := extract.Balanced(text, m[2], extract.Array)
		if !ok {
			continue
		}
		return raw, true
	}
	return "", false
}

func asDecodeError(err error) *DecodeError {
	var de *DecodeError
	if errors.As(err, &de) {
		return de
	}
	return &DecodeError{Err: err}
}
