package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// keys, strings, literals and numbers
var jsonToken = regexp.MustCompile(`("(\\u[a-zA-Z0-9]{4}|\\[^u]|[^\\"])*"(\s*:)?|\b(true|false|null)\b|-?\d+(?:\.\d*)?(?:[eE][+\-]?\d+)?)`)

// HighlightJSON colors the tokens of a JSON document.
func HighlightJSON(doc string) string {
	if !Enabled() {
		return doc
	}
	return jsonToken.ReplaceAllStringFunc(doc, func(tok string) string {
		switch {
		case strings.HasSuffix(tok, ":"):
			return Style(tok[:len(tok)-1], Blue) + ":"
		case strings.HasPrefix(tok, `"`):
			return Style(tok, Green)
		case tok == "true" || tok == "false":
			return Style(tok, Yellow)
		case tok == "null":
			return Style(tok, Dim)
		default:
			return Style(tok, Purple)
		}
	})
}

// PrettyPrint writes v as indented, highlighted JSON.
func PrettyPrint(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, HighlightJSON(string(b)))
	return err
}
