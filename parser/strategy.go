package parser

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
)

// Strategy extracts one value from a result container. It reports false when
// it found nothing usable.
type Strategy func(*goquery.Selection) (string, bool)

// Text returns the trimmed text of the first element matching css.
func Text(css string) Strategy {
	return func(s *goquery.Selection) (string, bool) {
		found := s.Find(css).First()
		if found.Length() == 0 {
			return "", false
		}
		return nonEmpty(found.Text())
	}
}

// Attr returns attr of the first element matching css.
func Attr(css, attr string) Strategy {
	return func(s *goquery.Selection) (string, bool) {
		v, ok := s.Find(css).First().Attr(attr)
		if !ok {
			return "", false
		}
		return nonEmpty(v)
	}
}

// SelfAttr returns attr of the container itself.
func SelfAttr(attr string) Strategy {
	return func(s *goquery.Selection) (string, bool) {
		v, ok := s.Attr(attr)
		if !ok {
			return "", false
		}
		return nonEmpty(v)
	}
}

// XPathText evaluates expr relative to the container and returns the inner
// text of the first node.
func XPathText(expr string) Strategy {
	return func(s *goquery.Selection) (string, bool) {
		for _, root := range s.Nodes {
			node, err := htmlquery.Query(root, expr)
			if err != nil || node == nil {
				continue
			}
			if v, ok := nonEmpty(htmlquery.InnerText(node)); ok {
				return v, true
			}
		}
		return "", false
	}
}

// XPathAttr evaluates expr relative to the container and returns attr of the
// first node.
func XPathAttr(expr, attr string) Strategy {
	return func(s *goquery.Selection) (string, bool) {
		for _, root := range s.Nodes {
			node, err := htmlquery.Query(root, expr)
			if err != nil || node == nil {
				continue
			}
			if v, ok := nonEmpty(htmlquery.SelectAttr(node, attr)); ok {
				return v, true
			}
		}
		return "", false
	}
}

// Regex narrows the value of inner to the first match of pattern, or to its
// first capture group when the pattern has one.
func Regex(inner Strategy, pattern string) Strategy {
	re := regexp.MustCompile(pattern)
	return func(s *goquery.Selection) (string, bool) {
		v, ok := inner(s)
		if !ok {
			return "", false
		}
		m := re.FindStringSubmatch(v)
		if m == nil {
			return "", false
		}
		if len(m) > 1 {
			return nonEmpty(m[1])
		}
		return nonEmpty(m[0])
	}
}

// Transform rewrites the value of inner with fn.
func Transform(inner Strategy, fn func(string) string) Strategy {
	return func(s *goquery.Selection) (string, bool) {
		v, ok := inner(s)
		if !ok {
			return "", false
		}
		return nonEmpty(fn(v))
	}
}

// Join succeeds only when every part does, joining their values with sep.
func Join(sep string, parts ...Strategy) Strategy {
	return func(s *goquery.Selection) (string, bool) {
		values := make([]string, 0, len(parts))
		for _, part := range parts {
			v, ok := part(s)
			if !ok {
				return "", false
			}
			values = append(values, v)
		}
		return strings.Join(values, sep), true
	}
}

// First runs strategies in order and returns the first value found.
func First(s *goquery.Selection, strategies []Strategy) (string, bool) {
	for _, strategy := range strategies {
		if v, ok := strategy(s); ok {
			return v, true
		}
	}
	return "", false
}

func nonEmpty(v string) (string, bool) {
	v = strings.TrimSpace(v)
	return v, v != ""
}
