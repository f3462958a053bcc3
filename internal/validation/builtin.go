package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/vietddude/promptloop/internal/core/domain"
)

// nonEmpty rejects blank responses.
type nonEmpty struct{ name string }

// NewNonEmpty creates a strategy that requires non-whitespace text.
func NewNonEmpty(name string) Strategy { return &nonEmpty{name: name} }

func (s *nonEmpty) Name() string { return s.name }

func (s *nonEmpty) Evaluate(response string, _ Context) domain.ValidationOutcome {
	if strings.TrimSpace(response) == "" {
		return domain.Fail(s.name, "Response is empty", "Answer the question with actual content")
	}
	return domain.Pass(s.name)
}

// KeywordArgs holds the arguments for creating a keyword strategy.
type KeywordArgs struct {
	Name string
	// MustContain lists keywords that must appear (case-insensitive).
	MustContain []string `mapstructure:"must_contain"`
	// MustNotContain lists keywords that must not appear (case-insensitive).
	MustNotContain []string `mapstructure:"must_not_contain"`
}

type keyword struct {
	name           string
	mustContain    []string
	mustNotContain []string
}

// NewKeyword creates a strategy that checks for keyword presence and absence.
func NewKeyword(args KeywordArgs) (Strategy, error) {
	if len(args.MustContain) == 0 && len(args.MustNotContain) == 0 {
		return nil, fmt.Errorf("keyword strategy '%s' needs must_contain or must_not_contain", args.Name)
	}
	return &keyword{name: args.Name, mustContain: args.MustContain, mustNotContain: args.MustNotContain}, nil
}

func (k *keyword) Name() string { return k.name }

func (k *keyword) Evaluate(response string, _ Context) domain.ValidationOutcome {
	var failures, suggestions []string
	lower := strings.ToLower(response)

	for _, kw := range k.mustContain {
		if !strings.Contains(lower, strings.ToLower(kw)) {
			failures = append(failures, fmt.Sprintf("Missing expected keyword: %s", kw))
			suggestions = append(suggestions, fmt.Sprintf("Include %q in the response", kw))
		}
	}
	for _, kw := range k.mustNotContain {
		if strings.Contains(lower, strings.ToLower(kw)) {
			failures = append(failures, fmt.Sprintf("Found forbidden keyword: %s", kw))
			suggestions = append(suggestions, fmt.Sprintf("Remove %q from the response", kw))
		}
	}

	if len(failures) > 0 {
		return domain.Fail(k.name, strings.Join(failures, "; "), suggestions...)
	}
	return domain.Pass(k.name)
}

// RegexArgs holds the arguments for creating a regex strategy.
type RegexArgs struct {
	Name         string
	MustMatch    []string `mapstructure:"must_match"`
	MustNotMatch []string `mapstructure:"must_not_match"`
}

type regex struct {
	name         string
	mustMatch    []*regexp.Regexp
	mustNotMatch []*regexp.Regexp
}

// NewRegex compiles the patterns up front so a bad pattern fails at
// configuration time rather than during a run.
func NewRegex(args RegexArgs) (Strategy, error) {
	r := &regex{name: args.Name}
	for _, p := range args.MustMatch {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("regex strategy '%s': invalid pattern %q: %w", args.Name, p, err)
		}
		r.mustMatch = append(r.mustMatch, re)
	}
	for _, p := range args.MustNotMatch {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("regex strategy '%s': invalid pattern %q: %w", args.Name, p, err)
		}
		r.mustNotMatch = append(r.mustNotMatch, re)
	}
	if len(r.mustMatch) == 0 && len(r.mustNotMatch) == 0 {
		return nil, fmt.Errorf("regex strategy '%s' needs must_match or must_not_match", args.Name)
	}
	return r, nil
}

func (r *regex) Name() string { return r.name }

func (r *regex) Evaluate(response string, _ Context) domain.ValidationOutcome {
	var failures, suggestions []string
	for _, re := range r.mustMatch {
		if !re.MatchString(response) {
			failures = append(failures, fmt.Sprintf("Response does not match required pattern: %s", re))
			suggestions = append(suggestions, fmt.Sprintf("Make the response match %s", re))
		}
	}
	for _, re := range r.mustNotMatch {
		if re.MatchString(response) {
			failures = append(failures, fmt.Sprintf("Response matches forbidden pattern: %s", re))
			suggestions = append(suggestions, fmt.Sprintf("Avoid text matching %s", re))
		}
	}
	if len(failures) > 0 {
		return domain.Fail(r.name, strings.Join(failures, "; "), suggestions...)
	}
	return domain.Pass(r.name)
}

// MaxLengthArgs holds the arguments for creating a max_length strategy.
type MaxLengthArgs struct {
	Name string
	Max  int `mapstructure:"max"`
}

type maxLength struct {
	name string
	max  int
}

// NewMaxLength creates a strategy bounding the response length in characters.
func NewMaxLength(args MaxLengthArgs) (Strategy, error) {
	if args.Max <= 0 {
		return nil, fmt.Errorf("max_length strategy '%s': max must be > 0", args.Name)
	}
	return &maxLength{name: args.Name, max: args.Max}, nil
}

func (m *maxLength) Name() string { return m.name }

func (m *maxLength) Evaluate(response string, _ Context) domain.ValidationOutcome {
	n := utf8.RuneCountInString(response)
	if n > m.max {
		return domain.Fail(
			m.name,
			fmt.Sprintf("Response is %d characters, limit is %d", n, m.max),
			fmt.Sprintf("Shorten the response to at most %d characters", m.max),
		)
	}
	return domain.Pass(m.name)
}
