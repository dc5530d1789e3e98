package journal

import (
	"fmt"
	"os"
	"strings"

	viewJournal "go.miragespace.co/conclave/journal"
	"go.miragespace.co/conclave/spec/membership"
	"go.miragespace.co/conclave/spec/protocol"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func Generate() *cli.Command {
	return &cli.Command{
		Name:      "journal",
		Usage:     "print the views journaled by an agent",
		ArgsUsage: " ",
		Flags: []cli.Flag{
			&cli.PathFlag{
				Name:     "data-dir",
				Aliases:  []string{"data"},
				Usage:    "Path to the agent's data directory",
				Required: true,
			},
			&cli.Uint64Flag{
				Name:  "from",
				Usage: "Skip entries before this index",
			},
			&cli.BoolFlag{
				Name:  "members",
				Usage: "List every member of each view instead of the changes",
			},
		},
		Action: cmdJournal,
	}
}

func formatMembers(members []*protocol.Member) string {
	parts := make([]string, 0, len(members))
	for _, m := range members {
		parts = append(parts, fmt.Sprintf("%s#%d", m.GetAddress(), m.GetOrdinal()))
	}
	return strings.Join(parts, "\n")
}

func cmdJournal(ctx *cli.Context) error {
	logger, ok := ctx.App.Metadata["logger"].(*zap.Logger)
	if !ok || logger == nil {
		return fmt.Errorf("unable to obtain logger from app context")
	}

	j, err := viewJournal.New(viewJournal.Config{
		Logger:   logger.With(zap.String("component", "journal")),
		DataDir:  ctx.Path("data-dir"),
		ReadOnly: true,
	})
	if err != nil {
		return err
	}
	defer j.Stop()

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	if ctx.Bool("members") {
		tw.AppendHeader(table.Row{"Index", "View", "Size", "Members"})
	} else {
		tw.AppendHeader(table.Row{"Index", "View", "Size", "Joined", "Left", "Crashed"})
	}

	var (
		prev  *membership.View
		count int
	)
	from := ctx.Uint64("from")
	err = j.Range(func(index uint64, v *membership.View) bool {
		added, _ := membership.Delta(prev, v)
		prev = v
		if index < from {
			return true
		}
		count++
		if ctx.Bool("members") {
			tw.AppendRow(table.Row{index, v.ID().String(), v.Size(), formatMembers(v.Members())})
			return true
		}
		tw.AppendRow(table.Row{
			index,
			v.ID().String(),
			v.Size(),
			formatMembers(added),
			formatMembers(v.Leaving()),
			formatMembers(v.Crashed()),
		})
		return true
	})
	if err != nil {
		return fmt.Errorf("error reading journal: %w", err)
	}

	tw.SetCaption("(%d views, last sequence %d)", count, j.LastSequence())
	tw.Render()
	return nil
}
