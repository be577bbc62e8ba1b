package clearcms

import (
	"strings"
	"testing"
)

func TestExpandTags(t *testing.T) {
	tags := map[string]TagFunc{
		"upper": func(name, body string) (string, error) {
			return strings.ToUpper(body), nil
		},
	}
	for name, f := range builtinTags {
		tags[name] = f
	}

	tests := []struct {
		src  string
		want string
	}{
		{"no tags", "no tags"},
		{"{% upper hello %}", "HELLO"},
		{"a{%- upper b -%}c", "aBc"},
		{"{% paginate posts by 30 %}", "{{$posts := query_posts_list 30}}"},
		{"{% paginate items by .count %}", "{{$items := query_items_list .count}}"},
		{"{% endpaginate %}", ""},
		{`{% snippet "post" %}`, `{{template "snippet/post" .}}`},
		{`{% snippet "post" with .post %}`, `{{template "snippet/post" .post}}`},
		{`{% snippet "a/b" with $x %}`, `{{template "snippet/a/b" $x}}`},
		{`{% plugin "Other" %}`, ""},
		{"{{.x}} {% upper y %} {{.z}}", "{{.x}} Y {{.z}}"},
		{"{%\nupper\nmulti\n%}", "MULTI"},
	}
	for _, tc := range tests {
		got, err := expandTags(tc.src, tags)
		if err != nil {
			t.Errorf("expandTags(%q) = %v", tc.src, err)
			continue
		}
		if got != tc.want {
			t.Errorf("expandTags(%q) = %q, want %q", tc.src, got, tc.want)
		}
	}
}

func TestExpandTags_errors(t *testing.T) {
	tests := []struct {
		src     string
		message string
	}{
		{"line one\n{% nope %}", `line 2: unknown tag "nope"`},
		{"{% paginate posts %}", "paginate"},
		{"{% paginate posts with 3 %}", "paginate"},
		{"{% paginate 1x by 3 %}", "invalid list name"},
		{"{% snippet post %}", "quoted name"},
	}
	for _, tc := range tests {
		_, err := expandTags(tc.src, builtinTags)
		if err == nil {
			t.Errorf("expandTags(%q) succeeded", tc.src)
			continue
		}
		if !strings.Contains(err.Error(), tc.message) {
			t.Errorf("expandTags(%q) = %v, want an error containing %q", tc.src, err, tc.message)
		}
	}
}
