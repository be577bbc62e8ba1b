package clearcms

import (
	"fmt"
	"html/template"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gitlab.com/golang-commonmark/linkify"
)

var formatRegexp = regexp.MustCompile(`%[sd%]`)

var builtinFilters = template.FuncMap{
	"format": format,
	"tuple": func(values ...interface{}) []interface{} {
		return values
	},
	"pathescape": func(s string) string {
		return url.PathEscape(s)
	},
	"humanize_bytes": func(v interface{}) string {
		n, ok := toNumber(v)
		if !ok || n < 0 {
			return fmt.Sprint(v)
		}
		return humanize.IBytes(uint64(n))
	},
	"humanize_time": func(t time.Time) string {
		return humanize.Time(t)
	},
	"linkify": func(s string) template.HTML {
		return linkifyText(s)
	},
	"sanitize_html": func(s string) (template.HTML, error) {
		b, err := sanitizeHTML([]byte(s))
		if err != nil {
			return "", err
		}
		return template.HTML(b), nil
	},
}

// linkifyText escapes plain text and turns the URLs and e-mail addresses it
// contains into links.
func linkifyText(s string) template.HTML {
	var sb strings.Builder
	last := 0
	for _, link := range linkify.Links(s) {
		sb.WriteString(template.HTMLEscapeString(s[last:link.Start]))

		text := s[link.Start:link.End]
		href := text
		switch {
		case link.Scheme == "" && strings.Contains(text, "@") && !strings.Contains(text, "/"):
			href = "mailto:" + text
		case link.Scheme == "":
			href = "http://" + text
		case !strings.HasPrefix(strings.ToLower(text), strings.ToLower(link.Scheme)):
			href = link.Scheme + text
		}
		fmt.Fprintf(&sb, `<a href="%v" rel="nofollow noopener">%v</a>`,
			template.HTMLEscapeString(href), template.HTMLEscapeString(text))
		last = link.End
	}
	sb.WriteString(template.HTMLEscapeString(s[last:]))
	return template.HTML(sb.String())
}

// format replaces %s and %d in f with the following arguments, in order.
// %% is a literal percent sign, unlike older plugin hosts which left it
// untouched. Placeholders without a matching argument are left as-is.
func format(f string, args ...interface{}) string {
	i := 0
	return formatRegexp.ReplaceAllStringFunc(f, func(x string) string {
		if x == "%%" {
			return "%"
		}
		if i >= len(args) {
			return x
		}
		arg := args[i]
		i++

		if x == "%d" {
			n, ok := toNumber(arg)
			if !ok {
				return "NaN"
			}
			return strconv.FormatFloat(n, 'f', -1, 64)
		}
		return fmt.Sprint(arg)
	})
}

func toNumber(v interface{}) (float64, bool) {
	switch v := v.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, !math.IsNaN(v)
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
