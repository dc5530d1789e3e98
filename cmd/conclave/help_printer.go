package conclave

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"
)

const (
	helpIndent   = "   "
	flagIndent   = "  "
	flagGap      = 2
	maxHelpWidth = 160
)

var (
	sectionColor  = color.New(color.FgGreen, color.Bold).SprintFunc()
	categoryColor = color.New(color.FgCyan, color.Bold).SprintFunc()
)

func termWidth(fallback int) int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	if cols := os.Getenv("COLUMNS"); cols != "" {
		if c, err := strconv.Atoi(cols); err == nil && c > 0 {
			return c
		}
	}
	return fallback
}

// wrapText wraps each paragraph of text at width, keeping blank lines
// between paragraphs.
func wrapText(text string, width int) []string {
	if width < 20 {
		width = 20
	}
	var out []string
	for i, para := range strings.Split(text, "\n\n") {
		if i > 0 {
			out = append(out, "")
		}
		words := strings.Fields(para)
		if len(words) == 0 {
			continue
		}
		line := words[0]
		for _, w := range words[1:] {
			if len(line)+1+len(w) > width {
				out = append(out, line)
				line = w
				continue
			}
			line += " " + w
		}
		out = append(out, line)
	}
	if len(out) == 0 {
		out = append(out, "")
	}
	return out
}

// flagField reads an exported field off a concrete cli flag.
func flagField(f cli.Flag, name string) reflect.Value {
	v := reflect.ValueOf(f)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return reflect.Value{}
	}
	return v.FieldByName(name)
}

func flagCategory(f cli.Flag) string {
	if fld := flagField(f, "Category"); fld.IsValid() && fld.Kind() == reflect.String {
		return fld.String()
	}
	return ""
}

func flagHidden(f cli.Flag) bool {
	if fld := flagField(f, "Hidden"); fld.IsValid() && fld.Kind() == reflect.Bool {
		return fld.Bool()
	}
	return false
}

type renderedFlag struct {
	label string
	usage string
}

func renderFlag(f cli.Flag) renderedFlag {
	parts := strings.SplitN(strings.TrimRight(f.String(), "\n"), "\t", 2)
	r := renderedFlag{label: parts[0]}
	if len(parts) > 1 {
		r.usage = parts[1]
	}
	return r
}

// groupFlags buckets visible flags by category. Categories are sorted, with
// uncategorized flags listed last as global options.
func groupFlags(flags []cli.Flag) ([]string, map[string][]renderedFlag, int) {
	groups := make(map[string][]renderedFlag)
	widest := 0
	for _, f := range flags {
		if flagHidden(f) {
			continue
		}
		r := renderFlag(f)
		if strings.HasPrefix(r.label, "--help") {
			continue
		}
		cat := flagCategory(f)
		groups[cat] = append(groups[cat], r)
		if len(r.label) > widest {
			widest = len(r.label)
		}
	}
	order := make([]string, 0, len(groups))
	for cat := range groups {
		order = append(order, cat)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i] == "" || order[j] == "" {
			return order[j] == ""
		}
		return order[i] < order[j]
	})
	return order, groups, widest
}

// PrettierHelpPrinter replaces the template based help with colored sections
// and flags grouped by category.
func PrettierHelpPrinter() {
	fallback := cli.HelpPrinter
	width := min(maxHelpWidth, termWidth(maxHelpWidth)) - 4

	cli.HelpPrinter = func(w io.Writer, templ string, data interface{}) {
		var (
			flags    []cli.Flag
			commands []*cli.Command
			name     string
			usage    string
			desc     string
		)
		switch v := data.(type) {
		case *cli.App:
			flags, commands, name, usage, desc = v.Flags, v.Commands, v.HelpName, v.Usage, v.Description
		case *cli.Command:
			flags, commands, name, usage, desc = v.Flags, v.Subcommands, v.HelpName, v.Usage, v.Description
		default:
			fallback(w, templ, data)
			return
		}

		fmt.Fprintf(w, "%s\n%s%s - %s\n\n", sectionColor("NAME:"), helpIndent, name, usage)

		fmt.Fprintf(w, "%s\n%s%s", sectionColor("USAGE:"), helpIndent, name)
		if len(commands) > 0 {
			fmt.Fprint(w, " command")
		}
		if len(flags) > 0 {
			fmt.Fprint(w, " [options]")
		}
		fmt.Fprint(w, "\n\n")

		if desc != "" {
			fmt.Fprintln(w, sectionColor("DESCRIPTION:"))
			for _, line := range wrapText(desc, width-len(helpIndent)) {
				fmt.Fprintf(w, "%s%s\n", helpIndent, line)
			}
			fmt.Fprintln(w)
		}

		visible := make([]*cli.Command, 0, len(commands))
		for _, c := range commands {
			if !c.Hidden && c.Name != "help" {
				visible = append(visible, c)
			}
		}
		if len(visible) > 0 {
			fmt.Fprintln(w, sectionColor("COMMANDS:"))
			for _, c := range visible {
				fmt.Fprintf(w, "%s%-12s  %s\n", helpIndent, c.Name, c.Usage)
			}
			fmt.Fprintln(w)
		}

		order, groups, widest := groupFlags(flags)
		if len(order) == 0 {
			return
		}
		fmt.Fprintf(w, "%s\n\n", sectionColor("OPTIONS:"))

		usageWidth := width - len(flagIndent) - widest - flagGap
		continuation := flagIndent + strings.Repeat(" ", widest+flagGap+2)
		for _, cat := range order {
			heading := cat
			if heading == "" {
				heading = "Global Options"
			}
			fmt.Fprintf(w, "%s%s\n", flagIndent, categoryColor(heading))
			for _, f := range groups[cat] {
				lines := wrapText(f.usage, usageWidth)
				fmt.Fprintf(w, "%s%-*s%s%s\n", flagIndent, widest, f.label, strings.Repeat(" ", flagGap), lines[0])
				for _, line := range lines[1:] {
					fmt.Fprintf(w, "%s%s\n", continuation, line)
				}
			}
			fmt.Fprintln(w)
		}
	}
}
