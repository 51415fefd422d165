package content

import (
	"fmt"
	"html"
	"strings"
)

// RenderHTML renders a content tree to HTML. Used for the readable copy kept in
// artifact history.
func RenderHTML(n Node) string {
	var b strings.Builder
	renderNode(&b, n)
	return b.String()
}

func renderNode(b *strings.Builder, n Node) {
	switch n.Type {
	case TypeDoc:
		renderChildren(b, n)
	case TypeParagraph:
		wrap(b, n, "<p>", "</p>\n")
	case TypeHeading:
		level := 1
		if lvl, ok := n.Attrs["level"].(float64); ok && lvl >= 1 && lvl <= 6 {
			level = int(lvl)
		}
		wrap(b, n, fmt.Sprintf("<h%d>", level), fmt.Sprintf("</h%d>\n", level))
	case TypeBulletList, TypeTaskList:
		wrap(b, n, "<ul>\n", "</ul>\n")
	case TypeOrderedList:
		wrap(b, n, "<ol>\n", "</ol>\n")
	case TypeListItem, TypeTaskItem:
		wrap(b, n, "<li>", "</li>\n")
	case TypeBlockquote, TypeCallout:
		wrap(b, n, "<blockquote>\n", "</blockquote>\n")
	case TypeCodeBlock:
		b.WriteString("<pre><code>")
		b.WriteString(html.EscapeString(PlainText(n)))
		b.WriteString("</code></pre>\n")
	case TypeTable:
		wrap(b, n, "<table>\n", "</table>\n")
	case TypeTableRow:
		wrap(b, n, "<tr>\n", "</tr>\n")
	case TypeTableCell:
		wrap(b, n, "<td>", "</td>\n")
	case TypeTableHeader:
		wrap(b, n, "<th>", "</th>\n")
	case TypeHorizontalRule:
		b.WriteString("<hr>\n")
	case TypeHardBreak:
		b.WriteString("<br>")
	case TypeImage:
		fmt.Fprintf(b, `<img src="%s" alt="%s">`+"\n", html.EscapeString(n.Attr("src")), html.EscapeString(n.Attr("alt")))
	case TypeReference:
		fmt.Fprintf(b, `<a data-artifact="%s">%s</a>`, html.EscapeString(n.Attr(AttrArtifactID)), html.EscapeString(n.Attr(AttrReferenceText)))
	case TypeBlockReference:
		fmt.Fprintf(b, `<div data-artifact="%s" data-block="%s">%s</div>`+"\n",
			html.EscapeString(n.Attr(AttrArtifactID)), html.EscapeString(n.Attr(AttrArtifactBlockID)), html.EscapeString(n.Attr(AttrReferenceText)))
	case TypeText:
		b.WriteString(renderTextWithMarks(n.Text, n.Marks))
	default:
		renderChildren(b, n)
	}
}

func wrap(b *strings.Builder, n Node, open, end string) {
	b.WriteString(open)
	renderChildren(b, n)
	b.WriteString(end)
}

func renderChildren(b *strings.Builder, n Node) {
	for _, child := range n.Content {
		renderNode(b, child)
	}
}

func renderTextWithMarks(text string, marks []Mark) string {
	if text == "" {
		return ""
	}
	out := html.EscapeString(text)

	// Apply marks from outside in
	for i := len(marks) - 1; i >= 0; i-- {
		switch marks[i].Type {
		case "bold":
			out = "<strong>" + out + "</strong>"
		case "italic":
			out = "<em>" + out + "</em>"
		case "code":
			out = "<code>" + out + "</code>"
		case "strike":
			out = "<s>" + out + "</s>"
		case "underline":
			out = "<u>" + out + "</u>"
		case "link":
			href, _ := marks[i].Attrs["href"].(string)
			out = fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(href), out)
		}
	}
	return out
}
