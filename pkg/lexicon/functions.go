package lexicon

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/expr-lang/expr"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// exprFunctions are the string helpers available to expression arguments in
// addition to the expr-lang builtins.
var exprFunctions = []expr.Option{
	expr.Function("title", func(params ...any) (any, error) {
		return TitleCase(params[0].(string)), nil
	}, new(func(string) string)),
	expr.Function("capitalize", func(params ...any) (any, error) {
		return Capitalize(params[0].(string)), nil
	}, new(func(string) string)),
	expr.Function("substring", func(params ...any) (any, error) {
		return Substring(params[0].(string), params[1].(int), params[2].(int)), nil
	}, new(func(string, int, int) string)),
	expr.Function("normalize", func(params ...any) (any, error) {
		return Normalize(params[0].(string))
	}, new(func(string) (string, error))),
	expr.Function("length", func(params ...any) (any, error) {
		return utf8.RuneCountInString(params[0].(string)), nil
	}, new(func(string) int)),
	expr.Function("base64encode", func(params ...any) (any, error) {
		return base64.StdEncoding.EncodeToString([]byte(params[0].(string))), nil
	}, new(func(string) string)),
	expr.Function("base64decode", func(params ...any) (any, error) {
		b, err := base64.StdEncoding.DecodeString(params[0].(string))
		if err != nil {
			return nil, fmt.Errorf("base64decode: %w", err)
		}
		return string(b), nil
	}, new(func(string) (string, error))),
	expr.Function("uriencode", func(params ...any) (any, error) {
		return url.QueryEscape(params[0].(string)), nil
	}, new(func(string) string)),
	expr.Function("uridecode", func(params ...any) (any, error) {
		return url.QueryUnescape(params[0].(string))
	}, new(func(string) (string, error))),
	expr.Function("regexReplace", func(params ...any) (any, error) {
		re, err := regexp.Compile(params[1].(string))
		if err != nil {
			return nil, fmt.Errorf("regexReplace: %w", err)
		}
		return re.ReplaceAllString(params[0].(string), params[2].(string)), nil
	}, new(func(string, string, string) (string, error))),
	expr.Function("regexExtract", func(params ...any) (any, error) {
		re, err := regexp.Compile(params[1].(string))
		if err != nil {
			return nil, fmt.Errorf("regexExtract: %w", err)
		}
		return re.FindAllString(params[0].(string), -1), nil
	}, new(func(string, string) ([]string, error))),
}

// TitleCase capitalizes the first letter of each word using Unicode-aware
// rules.
func TitleCase(s string) string {
	return cases.Title(language.Und).String(s)
}

// Capitalize upper-cases the first rune and leaves the rest unchanged.
func Capitalize(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[size:]
}

// Substring returns the runes in [start, end). Negative indices count from
// the end, an end of zero means the end of the string, and out-of-range
// indices are clamped.
func Substring(s string, start, end int) string {
	rs := []rune(s)
	n := len(rs)
	if start < 0 {
		start += n
	}
	if end <= 0 {
		end += n
	}
	start = min(max(start, 0), n)
	end = min(max(end, 0), n)
	if start > end {
		start, end = end, start
	}
	return string(rs[start:end])
}

// Normalize strips diacritics and returns the NFC form, for comparisons
// that should ignore accents.
func Normalize(s string) (string, error) {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return "", fmt.Errorf("normalize: %w", err)
	}
	return strings.ToValidUTF8(out, ""), nil
}
