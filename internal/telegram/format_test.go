package telegram

import (
	"strings"
	"testing"
)

func TestRenderHTML(t *testing.T) {
	tests := []struct {
		name string
		md   string
		want string
	}{
		{
			name: "inline styles",
			md:   "**bold** and *it* and `code`",
			want: "<b>bold</b> and <i>it</i> and <code>code</code>",
		},
		{
			name: "list",
			md:   "Tokens:\n\n- ETH\n- STRK",
			want: "Tokens:\n\n• ETH\n• STRK",
		},
		{
			name: "link",
			md:   "[tx](https://sepolia.starkscan.co/tx/0x1)",
			want: `<a href="https://sepolia.starkscan.co/tx/0x1">tx</a>`,
		},
		{
			name: "heading",
			md:   "# Balance\n\n1.5 ETH",
			want: "<b>Balance</b>\n\n1.5 ETH",
		},
		{
			name: "escapes text",
			md:   "1 < 2 & 3 > 2",
			want: "1 &lt; 2 &amp; 3 &gt; 2",
		},
		{
			name: "raw html dropped",
			md:   "hi <script>alert(1)</script>",
			want: "hi alert(1)",
		},
		{
			name: "code block",
			md:   "```\nline1\nline2\n```",
			want: "<pre><code>line1\nline2\n</code></pre>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := renderHTML(tt.md)
			if err != nil {
				t.Fatalf("renderHTML: %v", err)
			}
			if got != tt.want {
				t.Errorf("renderHTML(%q)\n got: %q\nwant: %q", tt.md, got, tt.want)
			}
		})
	}
}

func TestSplit(t *testing.T) {
	text := strings.Repeat("a", 10) + "\n" + strings.Repeat("b", 10)
	chunks := split(text, 15)
	if len(chunks) != 2 || chunks[0] != strings.Repeat("a", 10) || chunks[1] != strings.Repeat("b", 10) {
		t.Errorf("split = %q", chunks)
	}

	long := strings.Repeat("é", 10) // 20 bytes
	for _, c := range split(long, 7) {
		if !strings.HasPrefix(c, "é") || len(c)%2 != 0 {
			t.Errorf("chunk split a rune: %q", c)
		}
	}

	if got := split("", 10); len(got) != 0 {
		t.Errorf("split empty = %q", got)
	}
}
