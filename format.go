package fedplan

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
)

func indentPrefix(sb *strings.Builder, level int, suffix ...string) {
	for i := 0; i <= level; i++ {
		sb.WriteString("    ")
	}
	for _, str := range suffix {
		sb.WriteString(str)
	}
}

func formatSelectionSelectionSet(sb *strings.Builder, level int, selectionSet ast.SelectionSet) {
	sb.WriteString(" {")
	formatSelection(sb, level+1, selectionSet)
	sb.WriteString("\n")
	indentPrefix(sb, level, "}")
}

func formatSelection(sb *strings.Builder, level int, selectionSet ast.SelectionSet) {
	for _, selection := range selectionSet {
		sb.WriteString("\n")
		indentPrefix(sb, level)
		switch selection := selection.(type) {
		case *ast.Field:
			if selection.Alias != "" && selection.Alias != selection.Name {
				sb.WriteString(selection.Alias)
				sb.WriteString(": ")
			}
			sb.WriteString(selection.Name)
			formatArgumentList(sb, selection.Arguments)
			formatDirectiveList(sb, selection.Directives)
			if len(selection.SelectionSet) > 0 {
				formatSelectionSelectionSet(sb, level, selection.SelectionSet)
			}
		case *ast.InlineFragment:
			sb.WriteString("...")
			if selection.TypeCondition != "" {
				fmt.Fprintf(sb, " on %v", selection.TypeCondition)
			}
			formatDirectiveList(sb, selection.Directives)
			formatSelectionSelectionSet(sb, level, selection.SelectionSet)
		case *ast.FragmentSpread:
			sb.WriteString("...")
			sb.WriteString(selection.Name)
		}
	}
}

func formatDirectiveList(sb *strings.Builder, directives ast.DirectiveList) {
	for _, d := range directives {
		sb.WriteString(" @")
		sb.WriteString(d.Name)
		formatArgumentList(sb, d.Arguments)
	}
}

func formatArgumentList(sb *strings.Builder, args ast.ArgumentList) {
	if len(args) > 0 {
		sb.WriteString("(")
		for i, arg := range args {
			if i != 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(sb, "%s: %s", arg.Name, arg.Value.String())
		}
		sb.WriteString(")")
	}
}

func formatSelectionSet(selection ast.SelectionSet) string {
	sb := strings.Builder{}
	sb.WriteString("{")
	formatSelection(&sb, 0, selection)
	sb.WriteString("\n}")
	return sb.String()
}

var multipleSpacesRegex = regexp.MustCompile(`\s+`)

func formatSelectionSetSingleLine(selection ast.SelectionSet) string {
	return multipleSpacesRegex.ReplaceAllString(formatSelectionSet(selection), " ")
}

// formatQueryDocument prints an operation document the way it is sent to a
// subgraph.
func formatQueryDocument(doc *ast.QueryDocument) string {
	var buf bytes.Buffer
	formatter.NewFormatter(&buf).FormatQueryDocument(doc)
	return strings.TrimSpace(buf.String())
}

func formatSchema(schema *ast.Schema) string {
	buf := bytes.NewBufferString("")
	f := formatter.NewFormatter(buf)
	f.FormatSchema(schema)
	return buf.String()
}
