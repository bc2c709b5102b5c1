package telegram

import "testing"

func TestRenderHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "plain text escaped",
			in:   "a < b & c",
			want: "a &lt; b &amp; c",
		},
		{
			name: "bold",
			in:   "**hi**",
			want: "<b>hi</b>",
		},
		{
			name: "italic",
			in:   "*hi*",
			want: "<i>hi</i>",
		},
		{
			name: "strikethrough",
			in:   "~~gone~~",
			want: "<s>gone</s>",
		},
		{
			name: "bold and italic together",
			in:   "**bold** and *ital*",
			want: "<b>bold</b> and <i>ital</i>",
		},
		{
			name: "unpaired stars left alone",
			in:   "a ** b",
			want: "a ** b",
		},
		{
			name: "inline code escapes content",
			in:   "use `x < 1 && y` here",
			want: "use <code>x &lt; 1 &amp;&amp; y</code> here",
		},
		{
			name: "inline code shields markdown",
			in:   "`**not bold**` but **this is**",
			want: "<code>**not bold**</code> but <b>this is</b>",
		},
		{
			name: "link with query string",
			in:   "[docs](https://example.com/a?b=1&c=2)",
			want: `<a href="https://example.com/a?b=1&amp;c=2">docs</a>`,
		},
		{
			name: "heading becomes bold",
			in:   "## Summary\nmore text",
			want: "<b>Summary</b>\nmore text",
		},
		{
			name: "fenced code with language",
			in:   "before\n```go\nx := 1\n```\nafter",
			want: `before<pre><code class="language-go">x := 1</code></pre>after`,
		},
		{
			name: "fenced code without language",
			in:   "```\nplain\n```",
			want: "<pre>plain</pre>",
		},
		{
			name: "fenced code escapes html",
			in:   "```\n<div>&</div>\n```",
			want: "<pre>&lt;div&gt;&amp;&lt;/div&gt;</pre>",
		},
		{
			name: "unclosed fence runs to end",
			in:   "start\n```py\ncode line",
			want: `start<pre><code class="language-py">code line</code></pre>`,
		},
		{
			name: "bullet lines not italicized",
			in:   "* item one\n* item two",
			want: "* item one\n* item two",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := renderHTML(tt.in); got != tt.want {
				t.Errorf("renderHTML(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
