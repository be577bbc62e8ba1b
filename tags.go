package clearcms

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// TagFunc expands a custom tag into template source. For {% paginate posts
// by 30 %}, name is "paginate" and body is "posts by 30".
type TagFunc func(name, body string) (string, error)

var (
	tagRegexp     = regexp.MustCompile(`(?s)\{%-?\s*(\w+)\s*(.*?)\s*-?%\}`)
	identRegexp   = regexp.MustCompile(`^[A-Za-z_]\w*$`)
	snippetRegexp = regexp.MustCompile(`^("(?:[^"\\]|\\.)*")(?:\s+with\s+(.+))?$`)
)

var builtinTags = map[string]TagFunc{
	"paginate":    paginateTag,
	"endpaginate": emptyTag,
	"snippet":     snippetTag,
	"plugin":      emptyTag,
}

// paginateTag turns "posts by 30" into an assignment from the
// query_posts_list filter:
//
//	{{$posts := query_posts_list 30}}
func paginateTag(name, body string) (string, error) {
	fields := strings.Fields(body)
	if len(fields) != 3 || fields[1] != "by" {
		return "", fmt.Errorf("%v: expected \"<list> by <count>\", got %q", name, body)
	}
	list, count := fields[0], fields[2]
	if !identRegexp.MatchString(list) {
		return "", fmt.Errorf("%v: invalid list name %q", name, list)
	}
	return fmt.Sprintf("{{$%v := query_%v_list %v}}", list, list, count), nil
}

// snippetTag turns `"name" with .data` into {{template "snippet/name" .data}}.
func snippetTag(name, body string) (string, error) {
	m := snippetRegexp.FindStringSubmatch(body)
	if m == nil {
		return "", fmt.Errorf("%v: expected a quoted name, got %q", name, body)
	}
	snippet, err := strconv.Unquote(m[1])
	if err != nil {
		return "", fmt.Errorf("%v: invalid name %v: %v", name, m[1], err)
	}
	data := "."
	if m[2] != "" {
		data = m[2]
	}
	return fmt.Sprintf("{{template %q %v}}", "snippet/"+snippet, data), nil
}

func emptyTag(name, body string) (string, error) {
	return "", nil
}

// expandTags replaces every {% tag %} in src with the output of the matching
// TagFunc.
func expandTags(src string, tags map[string]TagFunc) (string, error) {
	matches := tagRegexp.FindAllStringSubmatchIndex(src, -1)
	if len(matches) == 0 {
		return src, nil
	}

	var sb strings.Builder
	last := 0
	for _, m := range matches {
		name := src[m[2]:m[3]]
		body := src[m[4]:m[5]]

		f, ok := tags[name]
		if !ok {
			line := 1 + strings.Count(src[:m[0]], "\n")
			return "", fmt.Errorf("line %v: unknown tag %q", line, name)
		}
		out, err := f(name, body)
		if err != nil {
			line := 1 + strings.Count(src[:m[0]], "\n")
			return "", fmt.Errorf("line %v: %v", line, err)
		}

		sb.WriteString(src[last:m[0]])
		sb.WriteString(out)
		last = m[1]
	}
	sb.WriteString(src[last:])
	return sb.String(), nil
}
