package catalog

import (
	"strings"

	"golang.org/x/net/html"
)

// plainText strips markup from a catalog string. Product names arrive
// with entities (&nbsp;, &quot;) and the odd <br> or <b> from the shop's
// CMS; the model and the checkout summary want plain text.
func plainText(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.Join(strings.Fields(s), " ")
	}
	tokenizer := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.TextToken:
			b.Write(tokenizer.Text())
			b.WriteByte(' ')
		}
	}
}
